// Package mux maps session tokens to live connections. A session has at
// most one binding at a time; outbound messages flow through a buffered
// per-binding queue so slow readers never stall the chunk path.
package mux

import (
	"log/slog"
	"sync"

	"github.com/framepipe/framepipe/pkg/protocol"
)

const defaultQueueDepth = 32

// Hub tracks the single live binding per session token.
type Hub struct {
	mu         sync.Mutex
	bindings   map[string]*Binding
	queueDepth int
	logger     *slog.Logger
}

// NewHub creates an empty hub. queueDepth <= 0 selects the default.
func NewHub(queueDepth int, logger *slog.Logger) *Hub {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bindings:   make(map[string]*Binding),
		queueDepth: queueDepth,
		logger:     logger,
	}
}

// Binding is one connection's attachment to a session. Writes go
// through Queue; a writer goroutine drains them onto the connection.
type Binding struct {
	token     string
	hub       *Hub
	send      func(protocol.ServerMessage) error
	closeConn func()

	queue chan protocol.ServerMessage
	done  chan struct{}
	stop  sync.Once
}

// Bind attaches a connection to token. If another connection already
// holds the token, it is forcibly closed and the new one takes over:
// the latest dial wins, which lets a client whose old connection is
// stuck half-open reconnect immediately.
//
// send writes one message to the connection; closeConn force-closes it
// when a newer binding takes over.
func (h *Hub) Bind(token string, send func(protocol.ServerMessage) error, closeConn func()) *Binding {
	b := &Binding{
		token:     token,
		hub:       h,
		send:      send,
		closeConn: closeConn,
		queue:     make(chan protocol.ServerMessage, h.queueDepth),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.bindings[token]
	h.bindings[token] = b
	h.mu.Unlock()

	if prev != nil {
		h.logger.Info("session rebound, closing previous connection", "token", token)
		prev.shutdown(true)
	}

	go b.writeLoop()
	return b
}

// Bound reports whether token currently has a live binding.
func (h *Hub) Bound(token string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.bindings[token]
	return ok
}

// CloseAll force-closes every binding. Used on server shutdown;
// sessions stay resumable.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	bindings := make([]*Binding, 0, len(h.bindings))
	for _, b := range h.bindings {
		bindings = append(bindings, b)
	}
	h.mu.Unlock()
	for _, b := range bindings {
		b.shutdown(true)
	}
}

func (h *Hub) drop(b *Binding) {
	h.mu.Lock()
	if h.bindings[b.token] == b {
		delete(h.bindings, b.token)
	}
	h.mu.Unlock()
}

// Queue enqueues outbound messages. Progress messages are advisory and
// are dropped when the queue is full; everything else blocks until the
// writer drains or the binding dies.
func (b *Binding) Queue(msgs ...protocol.ServerMessage) {
	for _, msg := range msgs {
		if msg.Type == protocol.TypeProgress {
			select {
			case b.queue <- msg:
			case <-b.done:
				return
			default:
				b.hub.logger.Debug("progress dropped under backpressure", "token", b.token)
			}
			continue
		}
		select {
		case b.queue <- msg:
		case <-b.done:
			return
		}
	}
}

// Unbind detaches the connection. The session itself is untouched:
// disconnecting never cancels an upload.
func (b *Binding) Unbind() {
	b.shutdown(false)
}

func (b *Binding) shutdown(closeConn bool) {
	b.stop.Do(func() {
		close(b.done)
		b.hub.drop(b)
		if closeConn && b.closeConn != nil {
			b.closeConn()
		}
	})
}

func (b *Binding) writeLoop() {
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.queue:
			if err := b.send(msg); err != nil {
				b.hub.logger.Debug("outbound write failed", "token", b.token, "error", err)
				b.shutdown(false)
				return
			}
		}
	}
}
