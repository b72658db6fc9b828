package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/cuemby/tango/pkg/api"
	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DatabaseConfig configures a database server.
type DatabaseConfig struct {
	Addr    string
	DataDir string
	// Host is advertised in the notifd factory entry.
	Host string
	// Broker starts an embedded notification broker registered as the
	// factory of Host. BrokerPort -1 picks a free port.
	Broker     bool
	BrokerPort int
}

// DatabaseServer serves the naming and property database as device
// sys/database/2.
type DatabaseServer struct {
	cfg      DatabaseConfig
	store    *storage.BoltStore
	api      *api.Server
	broker   *Broker
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewDatabaseServer creates a database server. Start opens it.
func NewDatabaseServer(cfg DatabaseConfig) *DatabaseServer {
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	return &DatabaseServer{cfg: cfg, logger: log.WithDevice("database-server", database.DeviceName)}
}

// Addr returns the bound address.
func (d *DatabaseServer) Addr() string {
	if d.api == nil {
		return ""
	}
	return d.api.Addr()
}

// Broker returns the embedded broker, nil when not started.
func (d *DatabaseServer) Broker() *Broker { return d.broker }

// Start opens the store, binds the listener and starts the broker.
func (d *DatabaseServer) Start(ctx context.Context) error {
	store, err := storage.NewBoltStore(d.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	d.store = store

	d.api = api.NewServer(database.NewService(store, d.cfg.Host))
	if err := d.api.Listen(d.cfg.Addr); err != nil {
		return err
	}

	if d.cfg.Broker {
		host, _, err := net.SplitHostPort(d.api.Addr())
		if err != nil {
			return err
		}
		if d.broker, err = StartBroker(host, d.cfg.BrokerPort); err != nil {
			return err
		}
		if err := d.broker.Register(ctx, database.NewLocal(store), d.cfg.Host); err != nil {
			return err
		}
	}
	metrics.Default().Update(metrics.ComponentDatabase, true, "serving")
	d.logger.Info().Str("addr", d.Addr()).Str("data_dir", d.cfg.DataDir).Msg("Database server started")
	return nil
}

// Run serves until ctx is done.
func (d *DatabaseServer) Run(ctx context.Context) error {
	if d.api == nil {
		if err := d.Start(ctx); err != nil {
			d.Stop()
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.api.Serve(); err != nil {
			return fmt.Errorf("database RPC server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.Stop()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop stops serving and closes the store.
func (d *DatabaseServer) Stop() {
	d.stopOnce.Do(func() {
		if d.api != nil {
			d.api.Stop()
		}
		if d.broker != nil {
			d.broker.Shutdown()
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to close database")
			}
		}
		d.logger.Info().Msg("Database server stopped")
	})
}
