package notifd

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConsumerTransport connects notifd channels on the client side.
type ConsumerTransport struct {
	db   database.Database
	dial Dialer
}

// Option configures a ConsumerTransport.
type Option func(*ConsumerTransport)

// WithDatabase looks channel IORs up in db before asking the admin device.
func WithDatabase(db database.Database) Option {
	return func(t *ConsumerTransport) { t.db = db }
}

// WithDialer replaces the NATS dialer.
func WithDialer(d Dialer) Option {
	return func(t *ConsumerTransport) { t.dial = d }
}

// NewConsumerTransport creates the client side of the notifd transport.
func NewConsumerTransport(opts ...Option) *ConsumerTransport {
	t := &ConsumerTransport{dial: DialNATS}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Type returns types.Notifd.
func (t *ConsumerTransport) Type() types.ChannelType { return types.Notifd }

// channelIOR finds the IOR of the channel of info.
func (t *ConsumerTransport) channelIOR(ctx context.Context, info *event.ChannelInfo) (IOR, error) {
	if t.db != nil {
		trl, err := types.ParseTRL(info.Name, "")
		if err == nil && trl.DBase {
			ch, err := t.db.ImportEvent(ctx, trl.Device)
			if err == nil && ch.Exported {
				return DecodeIOR(ch.IOR)
			}
		}
	}
	if info.Adm == nil {
		return IOR{}, types.Throw(types.ReasonEventChannelNotExported,
			fmt.Sprintf("event channel %s not exported", info.Name), "notifd.ConnectChannel")
	}
	reply, err := info.Adm.CommandInout(ctx, event.CmdQueryEventChannelIOR, types.VoidData())
	if err != nil {
		return IOR{}, types.Rethrow(err, types.ReasonEventChannelNotExported,
			fmt.Sprintf("failed to query event channel of %s", info.Name), "notifd.ConnectChannel")
	}
	s, err := reply.Strings()
	if err != nil || len(s) == 0 {
		return IOR{}, types.Throw(types.ReasonEventChannelNotExported,
			fmt.Sprintf("no event channel IOR returned by %s", info.Name), "notifd.ConnectChannel")
	}
	return DecodeIOR(s[0])
}

// ConnectChannel connects to the broker of the channel and subscribes its
// heartbeat.
func (t *ConsumerTransport) ConnectChannel(ctx context.Context, info *event.ChannelInfo, sink event.Sink) (event.ChannelHandle, error) {
	ior, err := t.channelIOR(ctx, info)
	if err != nil {
		return nil, err
	}
	conn, err := t.dial(ior.URL, "tango-consumer-"+uuid.NewString())
	if err != nil {
		return nil, types.Rethrow(err, types.ReasonNotificationServiceFailed,
			fmt.Sprintf("failed to connect to notification broker %s", ior.URL), "notifd.ConnectChannel")
	}

	ch := &channel{
		name:   info.Name,
		ior:    ior,
		conn:   conn,
		sink:   sink,
		events: make(map[string]*eventSub),
		logger: log.WithChannel("notifd-consumer", info.Name),
	}
	hb, err := conn.Subscribe(HeartbeatSubject(ior.Subject), ch.handler(nil))
	if err != nil {
		conn.Close()
		return nil, types.Rethrow(err, types.ReasonNotificationServiceFailed,
			fmt.Sprintf("failed to subscribe heartbeat of %s", info.Name), "notifd.ConnectChannel")
	}
	ch.heartbeat = hb
	ch.logger.Debug().Str("url", ior.URL).Str("subject", ior.Subject).Msg("Event channel connected")
	return ch, nil
}

type eventSub struct {
	sub    Subscription
	filter *event.Constraint
}

// channel is one connected notifd channel.
type channel struct {
	name      string
	ior       IOR
	conn      Conn
	sink      event.Sink
	heartbeat Subscription
	logger    zerolog.Logger

	mu     sync.Mutex
	events map[string]*eventSub
	closed bool
}

func (c *channel) handler(filter *event.Constraint) func(subject string, data []byte) {
	return func(subject string, data []byte) {
		msg, err := event.UnmarshalMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("Dropping malformed event")
			return
		}
		if filter != nil && !msg.IsHeartbeat() && !filter.Match(msg.Vars()) {
			return
		}
		metrics.TransportMessages.WithLabelValues("notifd", "in").Inc()
		c.sink.Deliver(msg)
	}
}

// ConnectEvent subscribes the data subject of ev. The constraint is
// evaluated before delivery.
func (c *channel) ConnectEvent(_ context.Context, ev *event.EventInfo) error {
	var filter *event.Constraint
	if ev.Constraint != "" {
		f, err := event.ParseConstraint(ev.Constraint)
		if err != nil {
			return err
		}
		filter = f
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.Throw(types.ReasonEventChannelNotExported, "channel closed", "notifd.ConnectEvent")
	}
	if old, ok := c.events[ev.Key]; ok {
		if err := old.sub.Unsubscribe(); err != nil {
			c.logger.Debug().Err(err).Str("event", ev.Key).Msg("Failed to drop previous subscription")
		}
	}
	sub, err := c.conn.Subscribe(EventSubject(c.ior.Subject, ev.Domain, ev.Event), c.handler(filter))
	if err != nil {
		return types.Rethrow(err, types.ReasonNotificationServiceFailed,
			fmt.Sprintf("failed to subscribe %s", ev.Key), "notifd.ConnectEvent")
	}
	c.events[ev.Key] = &eventSub{sub: sub, filter: filter}
	// interest must reach the broker before the caller reads the current value
	if err := c.conn.FlushTimeout(flushTimeout); err != nil {
		c.logger.Warn().Err(err).Str("event", ev.Key).Msg("Subscription not confirmed by broker")
	}
	return nil
}

// DisconnectEvent removes the subscription of ev.
func (c *channel) DisconnectEvent(ev *event.EventInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.events[ev.Key]
	if !ok {
		return nil
	}
	delete(c.events, ev.Key)
	return s.sub.Unsubscribe()
}

// Ping checks that the broker still answers.
func (c *channel) Ping(_ context.Context) error {
	if !c.conn.IsConnected() {
		return types.Throw(types.ReasonNotificationServiceFailed,
			fmt.Sprintf("notification broker of %s disconnected", c.name), "notifd.Ping")
	}
	if err := c.conn.FlushTimeout(flushTimeout); err != nil {
		return types.Rethrow(err, types.ReasonNotificationServiceFailed,
			fmt.Sprintf("notification broker of %s not answering", c.name), "notifd.Ping")
	}
	return nil
}

// Close drops every subscription and the connection.
func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for k, s := range c.events {
		if err := s.sub.Unsubscribe(); err != nil {
			c.logger.Debug().Err(err).Str("event", k).Msg("Failed to unsubscribe event")
		}
		delete(c.events, k)
	}
	if c.heartbeat != nil {
		if err := c.heartbeat.Unsubscribe(); err != nil {
			c.logger.Debug().Err(err).Str("channel", c.name).Msg("Failed to unsubscribe heartbeat")
		}
	}
	c.conn.Close()
	return nil
}

var _ event.ConsumerTransport = (*ConsumerTransport)(nil)
