package zmq

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

// McastScheme prefixes multicast endpoints in subscription replies.
const McastScheme = "udp://"

const maxDatagram = 65507

// Multicast defaults, rate in kbit/s and recovery interval in seconds.
const (
	DefaultMcastRate = 80
	DefaultMcastIvl  = 20
)

// ParseMcastEndpoint parses "udp://group:port" or "group:port". The group
// must be an IPv4 multicast address.
func ParseMcastEndpoint(endpoint string) (*net.UDPAddr, error) {
	s := strings.TrimPrefix(endpoint, McastScheme)
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("invalid multicast endpoint %q: %v", endpoint, err), "zmq.ParseMcastEndpoint")
	}
	ip := net.ParseIP(host).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("%q is not an IPv4 multicast group", host), "zmq.ParseMcastEndpoint")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return nil, types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("invalid multicast port %q", port), "zmq.ParseMcastEndpoint")
	}
	return &net.UDPAddr{IP: ip, Port: p}, nil
}

// McastEndpoint formats a multicast endpoint.
func McastEndpoint(addr *net.UDPAddr) string {
	return McastScheme + addr.String()
}

// bytesPerSecond converts a rate in kbit/s.
func bytesPerSecond(kbit int) int {
	if kbit <= 0 {
		kbit = DefaultMcastRate
	}
	return kbit * 1024 / 8
}

// mcastSender sends the frames of one multicast event.
type mcastSender struct {
	endpoint string
	dst      *net.UDPAddr
	conn     *ipv4.PacketConn
	limiter  *rate.Limiter
	rate     int
	ivl      time.Duration
}

func newMcastSender(endpoint string, rateKbit int, ivl time.Duration) (*mcastSender, error) {
	dst, err := ParseMcastEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("failed to open multicast socket: %w", err)
	}
	p := ipv4.NewPacketConn(c)
	if err := p.SetMulticastTTL(1); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to set multicast ttl: %w", err)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to set multicast loopback: %w", err)
	}
	bps := bytesPerSecond(rateKbit)
	return &mcastSender{
		endpoint: McastEndpoint(dst),
		dst:      dst,
		conn:     p,
		limiter:  rate.NewLimiter(rate.Limit(bps), max(bps, maxDatagram)),
		rate:     rateKbit,
		ivl:      ivl,
	}, nil
}

func (s *mcastSender) send(frame []byte) error {
	if len(frame) > maxDatagram {
		return types.Throw(types.ReasonNotSupported,
			fmt.Sprintf("event of %d bytes too large for multicast", len(frame)), "zmq.mcastSender.send")
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := s.limiter.WaitN(ctx, len(frame)); err != nil {
		metrics.TransportDrops.WithLabelValues("zmq", "mcast").Inc()
		return fmt.Errorf("multicast rate exceeded: %w", err)
	}
	if _, err := s.conn.WriteTo(frame, nil, s.dst); err != nil {
		return fmt.Errorf("failed to send multicast frame: %w", err)
	}
	return nil
}

func (s *mcastSender) close() error { return s.conn.Close() }

// mcastReceiver reads one multicast group for a channel.
type mcastReceiver struct {
	endpoint string
	conn     *ipv4.PacketConn
	logger   zerolog.Logger

	mu   sync.RWMutex
	subs map[string]int
}

func newMcastReceiver(endpoint string, logger zerolog.Logger) (*mcastReceiver, error) {
	group, err := ParseMcastEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(group.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on multicast port %d: %w", group.Port, err)
	}
	p := ipv4.NewPacketConn(c)
	if err := p.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to join multicast group %s: %w", group.IP, err)
	}
	return &mcastReceiver{
		endpoint: endpoint,
		conn:     p,
		subs:     make(map[string]int),
		logger:   logger.With().Str("mcast", endpoint).Logger(),
	}, nil
}

func (r *mcastReceiver) add(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[topic]++
}

// remove drops topic and reports whether the receiver is still used.
func (r *mcastReceiver) remove(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[topic] <= 1 {
		delete(r.subs, topic)
	} else {
		r.subs[topic]--
	}
	return len(r.subs) > 0
}

func (r *mcastReceiver) readLoop(deliver func(*event.Message)) {
	buf := make([]byte, maxDatagram)
	for {
		n, _, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		topic, msg, err := DecodeFrame(buf[:n])
		if err != nil {
			r.logger.Debug().Err(err).Msg("Dropping malformed multicast frame")
			continue
		}
		r.mu.RLock()
		ok := matches(r.subs, topic)
		r.mu.RUnlock()
		if ok {
			deliver(msg)
		}
	}
}

func (r *mcastReceiver) close() error { return r.conn.Close() }
