package notifd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const flushTimeout = time.Second

// SupplierConfig configures the notifd publisher of a device server.
type SupplierConfig struct {
	// URL of the broker. When empty it is resolved from the factory entry
	// of Host in the database.
	URL     string
	Host    string
	AdmName string
	// Prefix is the "tango://host:port/" of the database the server runs
	// under.
	Prefix string
	DB     database.Database
	Dial   Dialer
}

// Supplier publishes events on a notification broker.
type Supplier struct {
	cfg    SupplierConfig
	logger zerolog.Logger

	mu      sync.Mutex
	conn    Conn
	url     string
	subject string
	closed  bool
}

// NewSupplier creates a supplier. Connect must be called before pushing.
func NewSupplier(cfg SupplierConfig) *Supplier {
	if cfg.Dial == nil {
		cfg.Dial = DialNATS
	}
	return &Supplier{
		cfg:     cfg,
		subject: ChannelSubject(cfg.Prefix, cfg.AdmName),
		logger:  log.WithChannel("notifd-supplier", cfg.Prefix+cfg.AdmName),
	}
}

// Type returns types.Notifd.
func (s *Supplier) Type() types.ChannelType { return types.Notifd }

// Subject returns the subject root of the channel.
func (s *Supplier) Subject() string { return s.subject }

// URL returns the broker URL once connected.
func (s *Supplier) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Connect resolves the broker, connects to it and exports the channel in
// the database.
func (s *Supplier) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Supplier) connectLocked(ctx context.Context) error {
	url := s.cfg.URL
	if url == "" {
		if s.cfg.DB == nil {
			return types.Throw(types.ReasonNotificationServiceFailed,
				"no broker URL and no database to resolve it", "notifd.Supplier.Connect")
		}
		var err error
		if url, err = ResolveFactory(ctx, s.cfg.DB, s.cfg.Host); err != nil {
			return err
		}
	}

	conn, err := s.cfg.Dial(url, "tango-supplier-"+uuid.NewString())
	if err != nil {
		return types.Rethrow(err, types.ReasonNotificationServiceFailed,
			fmt.Sprintf("failed to connect to notification broker %s", url), "notifd.Supplier.Connect")
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.url = url

	if s.cfg.DB != nil {
		host, _ := os.Hostname()
		err := s.cfg.DB.ExportEvent(ctx, &types.DbEventChannel{
			Name:     s.cfg.AdmName,
			IOR:      IOR{URL: url, Subject: s.subject}.Encode(),
			Host:     host,
			PID:      os.Getpid(),
			Exported: true,
			Updated:  time.Now(),
		})
		if err != nil {
			return types.Rethrow(err, types.ReasonNotificationServiceFailed,
				fmt.Sprintf("failed to export event channel of %s", s.cfg.AdmName), "notifd.Supplier.Connect")
		}
	}

	s.logger.Info().Str("url", url).Str("subject", s.subject).Msg("Connected to notification broker")
	return nil
}

// ChannelIOR returns the encoded IOR of the channel.
func (s *Supplier) ChannelIOR() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return "", types.Throw(types.ReasonEventSupplierNotConstructed,
			"notifd event supplier not connected", "notifd.Supplier.ChannelIOR")
	}
	return IOR{URL: s.url, Subject: s.subject}.Encode(), nil
}

func (s *Supplier) publish(subject string, msg *event.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return types.Throw(types.ReasonEventSupplierNotConstructed,
			"notifd event supplier not connected", "notifd.Supplier.publish")
	}
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return types.Rethrow(err, types.ReasonNotificationServiceFailed,
			fmt.Sprintf("failed to publish on %s", subject), "notifd.Supplier.publish")
	}
	metrics.TransportMessages.WithLabelValues("notifd", "out").Inc()
	return nil
}

// PushEvent publishes a data event. The broker carries interface releases
// below 5 only.
func (s *Supplier) PushEvent(msg *event.Message) error {
	if idl := msg.IDL(); idl >= 5 {
		s.logger.Debug().Str("event", msg.Key()).Int("idl", idl).Msg("Event not carried by the notification broker")
		return types.Throw(types.ReasonNotSupported,
			fmt.Sprintf("notifd cannot carry release %d events", idl), "notifd.Supplier.PushEvent")
	}
	return s.publish(EventSubject(s.subject, msg.Domain, msg.Event), msg)
}

// PushHeartbeat publishes the channel heartbeat.
func (s *Supplier) PushHeartbeat(msg *event.Message) error {
	return s.publish(HeartbeatSubject(s.subject), msg)
}

// Reconnect pings the connection and reconnects when the broker does not
// answer.
func (s *Supplier) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Throw(types.ReasonShutdownInProgress, "notifd supplier closed", "notifd.Supplier.Reconnect")
	}
	if s.conn != nil && s.conn.IsConnected() && s.conn.FlushTimeout(flushTimeout) == nil {
		return nil
	}
	s.logger.Warn().Msg("Notification broker lost, reconnecting")
	return s.connectLocked(ctx)
}

// Close disconnects and unexports the channel.
func (s *Supplier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		_ = s.conn.FlushTimeout(flushTimeout)
		s.conn.Close()
		s.conn = nil
	}
	if s.cfg.DB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.cfg.DB.UnexportEvent(ctx, s.cfg.AdmName); err != nil {
			return fmt.Errorf("failed to unexport event channel: %w", err)
		}
	}
	return nil
}

var _ event.Publisher = (*Supplier)(nil)
