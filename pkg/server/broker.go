package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/transport/notifd"
	"github.com/cuemby/tango/pkg/types"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

const brokerReadyTimeout = 5 * time.Second

// Broker is an embedded notification broker for the notifd transport.
type Broker struct {
	srv    *natsserver.Server
	logger zerolog.Logger
}

// StartBroker starts a broker on host:port. Port -1 picks a free port.
func StartBroker(host string, port int) (*Broker, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(brokerReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("broker not ready after %s", brokerReadyTimeout)
	}
	b := &Broker{srv: srv, logger: log.WithComponent("broker")}
	b.logger.Info().Str("url", srv.ClientURL()).Msg("Notification broker started")
	return b, nil
}

// URL returns the client URL of the broker.
func (b *Broker) URL() string { return b.srv.ClientURL() }

// Register exports the broker as the notifd factory of host so that
// servers running there resolve it from the database.
func (b *Broker) Register(ctx context.Context, db database.Database, host string) error {
	err := db.ExportEvent(ctx, &types.DbEventChannel{
		Name:     notifd.FactoryPrefix + host,
		IOR:      b.URL(),
		Host:     host,
		PID:      os.Getpid(),
		Exported: true,
		Updated:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to register broker of %s: %w", host, err)
	}
	b.logger.Info().Str("host", host).Msg("Notification broker registered")
	return nil
}

// Shutdown stops the broker.
func (b *Broker) Shutdown() {
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
}
