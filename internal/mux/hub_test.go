package mux

import (
	"sync"
	"testing"
	"time"

	"github.com/framepipe/framepipe/pkg/protocol"
)

// recorder collects messages written through a binding.
type recorder struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (r *recorder) send(msg protocol.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Type
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHub_DeliversQueuedMessages(t *testing.T) {
	hub := NewHub(0, nil)
	rec := &recorder{}

	b := hub.Bind("tok", rec.send, nil)
	defer b.Unbind()

	b.Queue(
		protocol.NewProgress(protocol.Progress{ChunkIndex: 1}),
		protocol.NewUploadComplete(protocol.UploadComplete{VideoID: "v"}),
	)
	waitFor(t, func() bool { return len(rec.types()) == 2 })

	got := rec.types()
	if got[0] != protocol.TypeProgress || got[1] != protocol.TypeUploadComplete {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestHub_SecondBindTakesOver(t *testing.T) {
	hub := NewHub(0, nil)
	first := &recorder{}
	second := &recorder{}

	closed := make(chan struct{})
	old := hub.Bind("tok", first.send, func() { close(closed) })
	replacement := hub.Bind("tok", second.send, nil)
	defer replacement.Unbind()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("previous connection was not force-closed")
	}

	// The displaced binding drops traffic instead of blocking.
	old.Queue(protocol.NewError("stale"))
	replacement.Queue(protocol.NewError("live"))
	waitFor(t, func() bool { return len(second.types()) == 1 })
	if len(first.types()) != 0 {
		t.Fatalf("displaced binding must not deliver, got %v", first.types())
	}
	if !hub.Bound("tok") {
		t.Fatal("token should remain bound to the replacement")
	}
}

func TestHub_UnbindLeavesTokenFree(t *testing.T) {
	hub := NewHub(0, nil)
	rec := &recorder{}

	closeCalled := false
	b := hub.Bind("tok", rec.send, func() { closeCalled = true })
	b.Unbind()

	if hub.Bound("tok") {
		t.Fatal("token should be free after unbind")
	}
	if closeCalled {
		t.Fatal("unbind must not force-close the connection")
	}
	// Unbind is idempotent.
	b.Unbind()
}

func TestBinding_DropsProgressUnderBackpressure(t *testing.T) {
	hub := NewHub(1, nil)

	release := make(chan struct{})
	rec := &recorder{}
	blockingSend := func(msg protocol.ServerMessage) error {
		<-release
		return rec.send(msg)
	}

	b := hub.Bind("tok", blockingSend, nil)
	defer b.Unbind()

	// First message occupies the writer, second fills the queue; further
	// progress is dropped without blocking the caller.
	done := make(chan struct{})
	go func() {
		for i := uint32(0); i < 50; i++ {
			b.Queue(protocol.NewProgress(protocol.Progress{ChunkIndex: i}))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("progress enqueue must never block")
	}

	// Critical messages block until the writer drains.
	delivered := make(chan struct{})
	go func() {
		b.Queue(protocol.NewUploadComplete(protocol.UploadComplete{VideoID: "v"}))
		close(delivered)
	}()
	close(release)
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("critical message was not delivered")
	}
	waitFor(t, func() bool {
		for _, typ := range rec.types() {
			if typ == protocol.TypeUploadComplete {
				return true
			}
		}
		return false
	})
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub(0, nil)

	var mu sync.Mutex
	closedTokens := make(map[string]bool)
	for _, token := range []string{"a", "b"} {
		token := token
		hub.Bind(token, (&recorder{}).send, func() {
			mu.Lock()
			closedTokens[token] = true
			mu.Unlock()
		})
	}

	hub.CloseAll()
	mu.Lock()
	defer mu.Unlock()
	if !closedTokens["a"] || !closedTokens["b"] {
		t.Fatalf("expected all connections closed, got %v", closedTokens)
	}
	if hub.Bound("a") || hub.Bound("b") {
		t.Fatal("no token should remain bound")
	}
}
