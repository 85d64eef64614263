// Package progress implements the progress-broadcast substrate (C5): a
// process-wide registry of client subscriptions, best-effort ordered
// delivery per client, heartbeat, and stale-pruning.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Event is the wire-agnostic payload pushed to subscribers (spec §4.4).
type Event struct {
	Type          string `json:"event"`
	BatchID       string `json:"batch_id,omitempty"`
	Processed     int    `json:"processed,omitempty"`
	Total         int    `json:"total,omitempty"`
	Percent       int    `json:"percent,omitempty"`
	CurrentInput  string `json:"current_input,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
	RetryTotal    int    `json:"retry_total,omitempty"`
	Valid         int    `json:"valid,omitempty"`
	Invalid       int    `json:"invalid,omitempty"`
	Errored       int    `json:"errored,omitempty"`
	TS            int64  `json:"ts,omitempty"`
}

const (
	EventProgress    = "progress"
	EventRetryStart  = "retry_start"
	EventComplete    = "complete"
	EventHeartbeatAck = "heartbeat_ack"
)

// Handle is the transport-level connection to one client (a websocket
// connection in the HTTP surface). Send must not block past a bounded
// deadline; Close must be idempotent.
type Handle interface {
	Send(Event) error
	Close() error
}

// queueSize bounds per-client backpressure (spec §4.4's bounded per-client
// queue; overflow prunes the client rather than blocking the publisher).
const queueSize = 64

type client struct {
	id       string
	handle   Handle
	lastSeen time.Time
	batches  map[string]bool
	queue    chan Event
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.handle.Close()
	})
}

// Hub is the single process-wide registry described by spec §4.4.
type Hub struct {
	mu          sync.Mutex
	clients     map[string]*client
	batchIndex  map[string]map[string]bool // batch_id -> set of client_id
	staleWindow time.Duration
	logger      *slog.Logger
}

// New creates a Hub. staleWindow is the inactivity window past which
// Prune forcibly closes a client (spec §5: default 2x heartbeat period).
func New(staleWindow time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:     make(map[string]*client),
		batchIndex:  make(map[string]map[string]bool),
		staleWindow: staleWindow,
		logger:      logger,
	}
}

// Attach registers handle as the transport for client_id. If the client
// already has a handle, the previous one is closed cleanly first.
func (h *Hub) Attach(clientID string, handle Handle) {
	h.mu.Lock()
	old, existed := h.clients[clientID]
	c := &client{
		id:       clientID,
		handle:   handle,
		lastSeen: time.Now(),
		batches:  make(map[string]bool),
		queue:    make(chan Event, queueSize),
		done:     make(chan struct{}),
	}
	if existed {
		c.batches = old.batches
	}
	h.clients[clientID] = c
	h.mu.Unlock()

	if existed {
		old.close()
	}
	go h.dispatch(c)
}

// dispatch owns the client's outbound queue: events for a single batch
// arrive in tracker-commit order (they're enqueued that way) and are sent
// in that order (spec §5 ordering guarantee).
func (h *Hub) dispatch(c *client) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.queue:
			if err := c.handle.Send(ev); err != nil {
				h.logger.Warn("progress: send failed, pruning client", "client_id", c.id, "error", err)
				h.drop(c.id)
				return
			}
		}
	}
}

// Bind associates batch_id's updates with client_id. Idempotent.
func (h *Hub) Bind(batchID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	c.batches[batchID] = true
	set, ok := h.batchIndex[batchID]
	if !ok {
		set = make(map[string]bool)
		h.batchIndex[batchID] = set
	}
	set[clientID] = true
}

// Publish enqueues event to every client bound to batchID. Delivery is
// best-effort ordered per client: a full queue prunes that client instead
// of blocking the tracker (spec §4.4, §5).
func (h *Hub) Publish(batchID string, event Event) {
	h.mu.Lock()
	set, ok := h.batchIndex[batchID]
	if !ok || len(set) == 0 {
		h.mu.Unlock()
		return
	}
	targets := make([]*client, 0, len(set))
	for cid := range set {
		if c, ok := h.clients[cid]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.queue <- event:
		default:
			h.logger.Warn("progress: queue full, pruning client", "client_id", c.id, "batch_id", batchID)
			h.drop(c.id)
		}
	}
}

// Touch refreshes last_seen for client_id on any inbound activity.
func (h *Hub) Touch(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.lastSeen = time.Now()
	}
}

// drop closes and removes a client, unbinding it from every batch.
func (h *Hub) drop(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	for batchID := range c.batches {
		if set, ok := h.batchIndex[batchID]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(h.batchIndex, batchID)
			}
		}
	}
	h.mu.Unlock()
	c.close()
}

// Prune closes and drops every client whose last_seen exceeds staleWindow.
func (h *Hub) Prune() {
	cutoff := time.Now().Add(-h.staleWindow)
	h.mu.Lock()
	var stale []string
	for id, c := range h.clients {
		if c.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.logger.Info("progress: pruning stale client", "client_id", id)
		h.drop(id)
	}
}

// ClientCount reports the number of currently attached clients (diagnostics).
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Pruner runs Hub.Prune on a fixed period until Stop, grounded on
// observability.HeartbeatWriter's ticker + stop channel shape. The first
// Prune runs one period after Start.
type Pruner struct {
	hub    *Hub
	period time.Duration
	stop   chan struct{}
	done   chan struct{}
}

// NewPruner creates a Pruner for hub, ticking every period.
func NewPruner(hub *Hub, period time.Duration) *Pruner {
	return &Pruner{hub: hub, period: period, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start launches the prune loop in its own goroutine.
func (p *Pruner) Start() {
	go p.loop()
}

// Stop signals the loop to exit and waits for it.
func (p *Pruner) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pruner) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.hub.Prune()
		}
	}
}
