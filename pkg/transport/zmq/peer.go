package zmq

import (
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

// peer is one subscriber socket on the publisher side.
type peer struct {
	kind   string
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[string]int

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(kind string, conn *websocket.Conn, hwm int, logger zerolog.Logger) *peer {
	return &peer{
		kind:   kind,
		conn:   conn,
		send:   make(chan []byte, hwm),
		subs:   make(map[string]int),
		done:   make(chan struct{}),
		logger: logger.With().Str("peer", conn.RemoteAddr().String()).Str("socket", kind).Logger(),
	}
}

func (p *peer) subscribed(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return matches(p.subs, topic)
}

func (p *peer) apply(c Control) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch c.Op {
	case OpSubscribe:
		p.subs[c.Topic]++
	case OpUnsubscribe:
		if p.subs[c.Topic] <= 1 {
			delete(p.subs, c.Topic)
		} else {
			p.subs[c.Topic]--
		}
	}
}

// enqueue queues a frame. A peer at its high water mark drops it.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		metrics.TransportDrops.WithLabelValues("zmq", "pub").Inc()
		return false
	}
}

func (p *peer) writeLoop() {
	defer p.close()
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				p.logger.Debug().Err(err).Msg("Subscriber write failed")
				return
			}
		}
	}
}

func (p *peer) readLoop(onClose func(*peer)) {
	defer onClose(p)
	defer p.close()
	for {
		typ, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug().Err(err).Msg("Subscriber connection lost")
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		c, err := decodeControl(data)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Ignoring control frame")
			continue
		}
		p.apply(c)
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = p.conn.Close()
	})
}
