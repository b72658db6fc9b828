package zmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Socket paths served by a publisher.
const (
	HeartbeatPath = "/heartbeat"
	EventPath     = "/event"
)

// DefaultHWM bounds the queue of each subscriber socket.
const DefaultHWM = 1000

// Release is the transport release reported in subscription replies.
const Release = 432

// PublisherConfig configures the server side sockets.
type PublisherConfig struct {
	// Addr is the listen address, ":0" when empty.
	Addr string
	// Host is advertised in endpoints. Defaults to the host name.
	Host string
	// PubHWM bounds each subscriber queue.
	PubHWM int
	// Alternates advertises every non-loopback interface besides Host.
	Alternates bool
}

// Publisher serves the heartbeat and event sockets of a device server.
type Publisher struct {
	cfg      PublisherConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	peers    map[*peer]struct{}
	counters map[string]uint64
	mcast    map[string]*mcastSender
	hostport string
	srv      *http.Server
	serveErr error
	closed   bool

	pushMu sync.Mutex
}

// NewPublisher creates a publisher. Listen starts serving.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.PubHWM <= 0 {
		cfg.PubHWM = DefaultHWM
	}
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}
	if cfg.Host == "" {
		cfg.Host = hostname()
	}
	return &Publisher{
		cfg:      cfg,
		logger:   log.WithComponent("zmq-publisher"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		peers:    make(map[*peer]struct{}),
		counters: make(map[string]uint64),
		mcast:    make(map[string]*mcastSender),
	}
}

// Type returns types.Zmq.
func (p *Publisher) Type() types.ChannelType { return types.Zmq }

// Handler returns the HTTP handler of both sockets.
func (p *Publisher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(HeartbeatPath, p.serve("heartbeat"))
	mux.HandleFunc(EventPath, p.serve("event"))
	return mux
}

func (p *Publisher) serve(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mu.RLock()
		closed := p.closed
		p.mu.RUnlock()
		if closed {
			http.Error(w, "publisher closed", http.StatusServiceUnavailable)
			return
		}
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.logger.Warn().Err(err).Str("socket", kind).Msg("Subscriber upgrade failed")
			return
		}
		pr := newPeer(kind, conn, p.cfg.PubHWM, p.logger)
		p.mu.Lock()
		p.peers[pr] = struct{}{}
		p.mu.Unlock()
		metrics.TransportPeers.WithLabelValues(kind).Inc()

		go pr.writeLoop()
		pr.readLoop(p.removePeer)
	}
}

func (p *Publisher) removePeer(pr *peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[pr]; ok {
		delete(p.peers, pr)
		metrics.TransportPeers.WithLabelValues(pr.kind).Dec()
	}
}

// Listen binds the configured address and serves in the background.
func (p *Publisher) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listenLocked()
}

func (p *Publisher) listenLocked() error {
	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.Addr, err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	p.hostport = net.JoinHostPort(p.cfg.Host, port)
	// keep the bound port across restarts
	p.cfg.Addr = ln.Addr().String()
	srv := &http.Server{Handler: p.Handler(), ReadHeaderTimeout: 5 * time.Second}
	p.srv = srv
	p.serveErr = nil
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Event socket server stopped")
			p.mu.Lock()
			p.serveErr = err
			p.mu.Unlock()
		}
	}()
	p.logger.Info().Str("endpoint", p.hostport).Msg("Event sockets listening")
	return nil
}

// SetAddress sets the advertised host and port when the handler is served
// by an external server.
func (p *Publisher) SetAddress(hostport string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hostport = hostport
}

// Endpoints returns the heartbeat and event endpoints.
func (p *Publisher) Endpoints() (heartbeat, ev string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return "ws://" + p.hostport + HeartbeatPath, "ws://" + p.hostport + EventPath
}

// AlternateEndpoints returns endpoint pairs for the other interfaces of the
// host.
func (p *Publisher) AlternateEndpoints() []string {
	if !p.cfg.Alternates {
		return nil
	}
	p.mu.RLock()
	hostport := p.hostport
	p.mu.RUnlock()
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		p.logger.Debug().Err(err).Msg("Cannot list interfaces")
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() || ipn.IP.To4() == nil || ipn.IP.String() == host {
			continue
		}
		hp := net.JoinHostPort(ipn.IP.String(), port)
		out = append(out, "ws://"+hp+HeartbeatPath, "ws://"+hp+EventPath)
	}
	return out
}

// Subscribers returns the number of sockets subscribed to topic.
func (p *Publisher) Subscribers(topic string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for pr := range p.peers {
		if pr.subscribed(topic) {
			n++
		}
	}
	return n
}

func (p *Publisher) broadcast(kind, topic string, frame []byte) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for pr := range p.peers {
		if pr.kind == kind && pr.subscribed(topic) && pr.enqueue(frame) {
			n++
		}
	}
	return n
}

// PushEvent numbers msg within its topic and sends it to the subscribed
// sockets and to the multicast group of the event.
func (p *Publisher) PushEvent(msg *event.Message) error {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	topic := msg.Key()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return types.Throw(types.ReasonShutdownInProgress, "event publisher closed", "zmq.PushEvent")
	}
	p.counters[topic]++
	ctr := p.counters[topic]
	sender := p.mcast[topic]
	p.mu.Unlock()

	out := *msg
	out.Counter = ctr
	frame, err := EncodeFrame(topic, &out)
	if err != nil {
		return err
	}
	p.broadcast("event", topic, frame)
	metrics.TransportMessages.WithLabelValues("zmq", "out").Inc()
	if sender != nil {
		if err := sender.send(frame); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("Multicast send failed")
		}
	}
	return nil
}

// PushHeartbeat sends msg on the heartbeat socket.
func (p *Publisher) PushHeartbeat(msg *event.Message) error {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return types.Throw(types.ReasonShutdownInProgress, "event publisher closed", "zmq.PushHeartbeat")
	}
	frame, err := EncodeFrame(msg.Key(), msg)
	if err != nil {
		return err
	}
	p.broadcast("heartbeat", msg.Key(), frame)
	return nil
}

// EnableMulticast sends the events of topic to endpoint as well. rateKbit
// bounds the send rate, ivl is the recovery interval reported to clients.
func (p *Publisher) EnableMulticast(topic, endpoint string, rateKbit int, ivl time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.mcast[topic]; ok {
		return s.endpoint, nil
	}
	s, err := newMcastSender(endpoint, rateKbit, ivl)
	if err != nil {
		return "", err
	}
	p.mcast[topic] = s
	p.logger.Info().Str("topic", topic).Str("endpoint", s.endpoint).Int("rate", rateKbit).Msg("Multicast enabled")
	return s.endpoint, nil
}

// MulticastEndpoint returns the multicast endpoint of topic.
func (p *Publisher) MulticastEndpoint(topic string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.mcast[topic]
	if !ok {
		return "", false
	}
	return s.endpoint, true
}

// Reconnect restarts the listener when it stopped on an error.
func (p *Publisher) Reconnect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return types.Throw(types.ReasonShutdownInProgress, "event publisher closed", "zmq.Reconnect")
	}
	if p.srv == nil || p.serveErr == nil {
		return nil
	}
	return p.listenLocked()
}

// Close stops serving and disconnects every subscriber.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	srv := p.srv
	peers := make([]*peer, 0, len(p.peers))
	for pr := range p.peers {
		peers = append(peers, pr)
	}
	senders := p.mcast
	p.mcast = map[string]*mcastSender{}
	p.mu.Unlock()

	for _, pr := range peers {
		pr.close()
	}
	var errs []error
	for _, s := range senders {
		errs = append(errs, s.close())
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

// Port returns the bound port, zero before Listen.
func (p *Publisher) Port() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, port, err := net.SplitHostPort(p.hostport)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

var _ event.Publisher = (*Publisher)(nil)
