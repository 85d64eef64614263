package progress

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeHandle struct {
	mu     sync.Mutex
	events []Event
	closed bool
	failOn int           // fail the Nth Send (1-indexed); 0 never fails
	block  chan struct{} // if set, every Send waits on this channel first
	sent   int
}

func (h *fakeHandle) Send(e Event) error {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent++
	if h.failOn != 0 && h.sent == h.failOn {
		return errors.New("send failed")
	}
	h.events = append(h.events, e)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestHub_PublishDeliversToBoundClients(t *testing.T) {
	h := New(time.Minute, testLogger())
	handle := &fakeHandle{}
	h.Attach("client-1", handle)
	h.Bind("batch-1", "client-1")

	h.Publish("batch-1", Event{Type: EventProgress, BatchID: "batch-1", Processed: 1})

	waitUntil(t, time.Second, func() bool { return handle.count() == 1 })
}

func TestHub_PublishIgnoresUnboundBatch(t *testing.T) {
	h := New(time.Minute, testLogger())
	handle := &fakeHandle{}
	h.Attach("client-1", handle)

	h.Publish("batch-unbound", Event{Type: EventProgress})
	time.Sleep(20 * time.Millisecond)
	if handle.count() != 0 {
		t.Fatalf("expected no delivery for an unbound batch, got %d", handle.count())
	}
}

func TestHub_PruneDropsStaleClients(t *testing.T) {
	h := New(10*time.Millisecond, testLogger())
	handle := &fakeHandle{}
	h.Attach("client-1", handle)

	time.Sleep(30 * time.Millisecond)
	h.Prune()

	waitUntil(t, time.Second, func() bool {
		handle.mu.Lock()
		defer handle.mu.Unlock()
		return handle.closed
	})
	if got := h.ClientCount(); got != 0 {
		t.Fatalf("ClientCount after prune: got %d, want 0", got)
	}
}

func TestHub_FullQueuePrunesClientInsteadOfBlocking(t *testing.T) {
	h := New(time.Minute, testLogger())
	// block never closes, so dispatch stalls forever on the first item and
	// the queue fills up behind it.
	handle := &fakeHandle{block: make(chan struct{})}
	h.Attach("client-1", handle)
	h.Bind("batch-1", "client-1")

	// Flood well past queueSize; Publish must prune rather than block once
	// the channel is full.
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize*2; i++ {
			h.Publish("batch-1", Event{Type: EventProgress, Processed: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked instead of pruning the stalled client")
	}
	waitUntil(t, time.Second, func() bool { return h.ClientCount() == 0 })
}

func TestPruner_StartStop(t *testing.T) {
	h := New(5*time.Millisecond, testLogger())
	handle := &fakeHandle{}
	h.Attach("client-1", handle)

	p := NewPruner(h, 5*time.Millisecond)
	p.Start()
	defer p.Stop()

	waitUntil(t, time.Second, func() bool { return h.ClientCount() == 0 })
}
