package notifd

import (
	"fmt"
	"time"

	"github.com/cuemby/tango/pkg/log"
	"github.com/nats-io/nats.go"
)

// Conn is the part of a broker connection the transport uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error)
	FlushTimeout(timeout time.Duration) error
	IsConnected() bool
	Close()
}

// Subscription is one broker subscription.
type Subscription interface {
	Unsubscribe() error
}

// Dialer opens a broker connection. name identifies the client to the
// broker.
type Dialer func(url, name string) (Conn, error)

// natsConn adapts *nats.Conn to Conn.
type natsConn struct {
	nc *nats.Conn
}

// DialNATS connects to a NATS server. The connection reconnects on its own;
// the transport only pings it.
func DialNATS(url, name string) (Conn, error) {
	logger := log.WithComponent("notifd")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Str("url", url).Msg("Disconnected from notification broker")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to notification broker")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("Notification broker error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to notification broker %s: %w", url, err)
	}
	return &natsConn{nc: nc}, nil
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error) {
	return c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
}

func (c *natsConn) FlushTimeout(timeout time.Duration) error {
	return c.nc.FlushTimeout(timeout)
}

func (c *natsConn) IsConnected() bool { return c.nc.IsConnected() }

func (c *natsConn) Close() { c.nc.Close() }
