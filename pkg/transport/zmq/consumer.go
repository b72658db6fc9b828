package zmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const noDBSuffix = "#dbase=no"

// ConsumerTransport connects zmq channels on the client side.
type ConsumerTransport struct {
	dialer *websocket.Dialer
	subHWM int
}

// Option configures a ConsumerTransport.
type Option func(*ConsumerTransport)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *ConsumerTransport) { t.dialer = d }
}

// WithSubHWM bounds the receive queue of each channel when the server does
// not announce a bound.
func WithSubHWM(n int) Option {
	return func(t *ConsumerTransport) { t.subHWM = n }
}

// NewConsumerTransport creates the client side of the zmq transport.
func NewConsumerTransport(opts ...Option) *ConsumerTransport {
	t := &ConsumerTransport{
		dialer: &websocket.Dialer{HandshakeTimeout: 3 * time.Second},
		subHWM: DefaultHWM,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Type returns types.Zmq.
func (t *ConsumerTransport) Type() types.ChannelType { return types.Zmq }

// ConnectChannel opens the heartbeat socket on the first reachable endpoint
// and subscribes the channel heartbeat.
func (t *ConsumerTransport) ConnectChannel(ctx context.Context, info *event.ChannelInfo, sink event.Sink) (event.ChannelHandle, error) {
	hwm := info.SubHWM
	if hwm <= 0 {
		hwm = t.subHWM
	}
	ch := &channel{
		name:    info.Name,
		topic:   strings.TrimSuffix(info.Name, noDBSuffix),
		dialer:  t.dialer,
		eventEP: info.EventEndpoints,
		sink:    sink,
		queue:   make(chan *event.Message, hwm),
		sockets: make(map[string]*socket),
		mcast:   make(map[string]*mcastReceiver),
		events:  make(map[string]string),
		stop:    make(chan struct{}),
		logger:  log.WithChannel("zmq-consumer", info.Name),
	}

	var lastErr error
	for _, ep := range info.HeartbeatEndpoints {
		s, err := ch.dial(ctx, ep)
		if err != nil {
			lastErr = err
			ch.logger.Debug().Err(err).Str("endpoint", ep).Msg("Heartbeat endpoint unreachable")
			continue
		}
		ch.heartbeat = s
		break
	}
	if ch.heartbeat == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("no heartbeat endpoint")
		}
		return nil, types.Rethrow(lastErr, types.ReasonEventChannelNotExported,
			fmt.Sprintf("failed to connect heartbeat socket of %s", info.Name), "zmq.ConnectChannel")
	}
	if err := ch.heartbeat.control(OpSubscribe, ch.topic); err != nil {
		ch.heartbeat.close()
		return nil, types.Rethrow(err, types.ReasonEventChannelNotExported,
			fmt.Sprintf("failed to subscribe heartbeat of %s", info.Name), "zmq.ConnectChannel")
	}

	go ch.forward()
	ch.logger.Debug().Str("endpoint", ch.heartbeat.endpoint).Msg("Event channel connected")
	return ch, nil
}

// socket is one client websocket.
type socket struct {
	endpoint string
	conn     *websocket.Conn
	refs     int

	writeMu   sync.Mutex
	dead      chan struct{}
	closeOnce sync.Once
}

func (s *socket) control(op, topic string) error {
	data, err := json.Marshal(Control{Op: op, Topic: topic})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) alive() bool {
	select {
	case <-s.dead:
		return false
	default:
		return true
	}
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// channel is one connected zmq channel.
type channel struct {
	name    string
	topic   string
	dialer  *websocket.Dialer
	eventEP []string
	sink    event.Sink
	queue   chan *event.Message
	logger  zerolog.Logger

	heartbeat *socket

	mu      sync.Mutex
	sockets map[string]*socket
	mcast   map[string]*mcastReceiver
	// events maps event keys to the endpoint they are read from.
	events map[string]string
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (c *channel) dial(ctx context.Context, endpoint string) (*socket, error) {
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	s := &socket{endpoint: endpoint, conn: conn, dead: make(chan struct{})}
	c.wg.Add(1)
	go c.readLoop(s)
	return s, nil
}

func (c *channel) readLoop(s *socket) {
	defer c.wg.Done()
	defer close(s.dead)
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Str("endpoint", s.endpoint).Msg("Event socket lost")
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		_, msg, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("endpoint", s.endpoint).Msg("Dropping malformed frame")
			continue
		}
		c.enqueue(msg)
	}
}

// enqueue queues msg for delivery. A channel at its high water mark drops it.
func (c *channel) enqueue(msg *event.Message) {
	metrics.TransportMessages.WithLabelValues("zmq", "in").Inc()
	select {
	case c.queue <- msg:
	default:
		metrics.TransportDrops.WithLabelValues("zmq", "sub").Inc()
		c.logger.Debug().Str("event", msg.Key()).Msg("Receive queue full, event dropped")
	}
}

func (c *channel) forward() {
	for {
		select {
		case <-c.stop:
			return
		case msg := <-c.queue:
			c.sink.Deliver(msg)
		}
	}
}

// ConnectEvent subscribes the topic of ev on its event endpoint, joining
// the multicast group when the endpoint is one.
func (c *channel) ConnectEvent(ctx context.Context, ev *event.EventInfo) error {
	endpoint := ev.Endpoint
	if endpoint == "" && len(c.eventEP) > 0 {
		endpoint = c.eventEP[0]
	}
	if endpoint == "" {
		return types.Throw(types.ReasonEventChannelNotExported,
			fmt.Sprintf("no event endpoint for %s", ev.Key), "zmq.ConnectEvent")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.Throw(types.ReasonEventChannelNotExported, "channel closed", "zmq.ConnectEvent")
	}
	if _, ok := c.events[ev.Key]; ok {
		return nil
	}

	if strings.HasPrefix(endpoint, McastScheme) {
		r, ok := c.mcast[endpoint]
		if !ok {
			var err error
			if r, err = newMcastReceiver(endpoint, c.logger); err != nil {
				return types.Rethrow(err, types.ReasonEventChannelNotExported,
					fmt.Sprintf("failed to join %s", endpoint), "zmq.ConnectEvent")
			}
			c.mcast[endpoint] = r
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				r.readLoop(c.enqueue)
			}()
		}
		r.add(ev.Key)
		c.events[ev.Key] = endpoint
		return nil
	}

	s, ok := c.sockets[endpoint]
	if !ok || !s.alive() {
		var err error
		if s, err = c.dial(ctx, endpoint); err != nil {
			return types.Rethrow(err, types.ReasonEventChannelNotExported,
				fmt.Sprintf("failed to connect event socket for %s", ev.Key), "zmq.ConnectEvent")
		}
		c.sockets[endpoint] = s
	}
	if err := s.control(OpSubscribe, ev.Key); err != nil {
		return types.Rethrow(err, types.ReasonEventChannelNotExported,
			fmt.Sprintf("failed to subscribe %s", ev.Key), "zmq.ConnectEvent")
	}
	s.refs++
	c.events[ev.Key] = endpoint
	return nil
}

// DisconnectEvent unsubscribes ev and closes sockets left unused.
func (c *channel) DisconnectEvent(ev *event.EventInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	endpoint, ok := c.events[ev.Key]
	if !ok {
		return nil
	}
	delete(c.events, ev.Key)

	if r, ok := c.mcast[endpoint]; ok {
		if !r.remove(ev.Key) {
			delete(c.mcast, endpoint)
			return r.close()
		}
		return nil
	}
	s, ok := c.sockets[endpoint]
	if !ok {
		return nil
	}
	s.refs--
	if s.refs <= 0 {
		delete(c.sockets, endpoint)
		s.close()
		return nil
	}
	return s.control(OpUnsubscribe, ev.Key)
}

// Ping sends a control ping on the heartbeat socket.
func (c *channel) Ping(_ context.Context) error {
	if !c.heartbeat.alive() {
		return types.Throw(types.ReasonEventChannelNotExported,
			fmt.Sprintf("heartbeat socket of %s closed", c.name), "zmq.Ping")
	}
	if err := c.heartbeat.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return types.Rethrow(err, types.ReasonEventChannelNotExported,
			fmt.Sprintf("heartbeat socket of %s not writable", c.name), "zmq.Ping")
	}
	return nil
}

// Close closes every socket and waits for the readers. Messages already
// queued are discarded.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.heartbeat.close()
	for ep, s := range c.sockets {
		s.close()
		delete(c.sockets, ep)
	}
	for ep, r := range c.mcast {
		_ = r.close()
		delete(c.mcast, ep)
	}
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

var _ event.ConsumerTransport = (*ConsumerTransport)(nil)
