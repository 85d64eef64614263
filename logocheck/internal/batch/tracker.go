// Package batch implements the batch tracker (C4): the authoritative state
// machine for a batch of images, durable on disk, with per-batch locking.
package batch

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/logocheck/errs"
	"github.com/hazyhaar/logocheck/logocheck/internal/store"
)

// Notifier is a fire-and-forget hook called on batch completion (spec §6.4
// SMTP_* / §9 supplemented feature). Failures are logged, never propagated.
type Notifier interface {
	NotifyComplete(b *Batch)
}

// Tracker owns every batch document: creation, state transitions, counter
// arithmetic, and result append, serialized per batch id (spec §4.3, §5).
type Tracker struct {
	store  *store.Store
	clock  func() time.Time
	newID  func() string
	logger *slog.Logger
	notify Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithNotifier installs a completion notifier.
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notify = n }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(t *Tracker) { t.clock = fn }
}

// WithIDGenerator overrides batch id generation (tests).
func WithIDGenerator(fn func() string) Option {
	return func(t *Tracker) { t.newID = fn }
}

// New creates a Tracker rooted at s.
func New(s *store.Store, newID func() string, opts ...Option) *Tracker {
	t := &Tracker{
		store:  s,
		clock:  func() time.Time { return time.Now().UTC() },
		newID:  newID,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// lockFor returns the per-batch mutex, creating it on first use. Cross-batch
// operations never contend on this map lock for more than a pointer lookup.
func (t *Tracker) lockFor(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

func (t *Tracker) load(id string) (*Batch, error) {
	var b Batch
	if err := store.ReadJSON(t.store.BatchDocPath(id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *Tracker) save(b *Batch) error {
	b.UpdatedAt = t.clock()
	return store.WriteJSON(t.store.BatchDocPath(b.ID), b)
}

// Create allocates a new batch id, persists a "created" document, and
// returns the id.
func (t *Tracker) Create() (string, error) {
	id := t.newID()
	now := t.clock()
	b := &Batch{
		ID:        id,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
		Results:   []Result{},
	}
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()
	if err := store.WriteJSON(t.store.BatchDocPath(id), b); err != nil {
		return "", err
	}
	return id, nil
}

// Init declares a batch's client and total item count, advancing it from
// created to initialized. Re-initializing with the same total is a no-op
// (P7); a different total is a Conflict.
func (t *Tracker) Init(id, clientID string, total int) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	b, err := t.load(id)
	if err != nil {
		return err
	}

	switch b.Status {
	case StatusInitialized:
		if b.Total != nil && *b.Total == total {
			return nil
		}
		return &errs.Conflict{Reason: "batch already initialized with a different total"}
	case StatusCreated:
		// fallthrough to apply
	default:
		return &errs.Conflict{Reason: "batch is not in a state that can be initialized: " + string(b.Status)}
	}

	b.ClientID = clientID
	b.Total = &total
	b.Status = StatusInitialized
	if total == 0 {
		// N=0 submission completes immediately per spec §8 boundary behavior.
		b.Status = StatusCompleted
		b.CompletedAt = t.clock()
	}
	if err := t.save(b); err != nil {
		return err
	}
	if b.Status == StatusCompleted {
		t.fireNotify(b)
	}
	return nil
}

// Load returns a read-only snapshot of a batch.
func (t *Tracker) Load(id string) (*Batch, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return t.load(id)
}

// MarkProcessing advances a batch from initialized to processing on first
// worker dispatch. A no-op if already processing.
func (t *Tracker) MarkProcessing(id string) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	b, err := t.load(id)
	if err != nil {
		return err
	}
	if b.Status == StatusProcessing {
		return nil
	}
	if b.Status != StatusInitialized {
		return &errs.Conflict{Reason: "batch is not initialized: " + string(b.Status)}
	}
	b.Status = StatusProcessing
	return t.save(b)
}

// MarkFailed forces a batch to the terminal failed state (e.g. an
// unrecoverable store fault, or the maintenance scheduler's pending-age
// hard cap, spec §4.7).
func (t *Tracker) MarkFailed(id, reason string) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	b, err := t.load(id)
	if err != nil {
		return err
	}
	if b.Status == StatusCompleted || b.Status == StatusFailed {
		return nil
	}
	b.Status = StatusFailed
	b.CompletedAt = t.clock()
	t.logger.Warn("batch marked failed", "batch_id", id, "reason", reason)
	return t.save(b)
}

// AppendResult commits a Result, advances counters, and removes
// consumedKey from the appropriate pending ledger as a single atomic
// step (spec §4.3). Idempotent: re-applying an already-applied key is a
// no-op and returns the current snapshot (P5).
//
// ledgerKind selects which ledger consumedKey belongs to ("file" or
// "url") so the tracker knows which manifest to shrink; fileBlobPath is
// the on-disk blob to delete for file-mode items (ignored for url-mode).
func (t *Tracker) AppendResult(id string, result Result, ledgerKind, consumedKey, fileBlobPath string) (*Batch, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	b, err := t.load(id)
	if err != nil {
		return nil, err
	}

	if b.Status == StatusCompleted || b.Status == StatusFailed {
		// P4: terminal batches never accept further results.
		return b, nil
	}

	if b.AppliedKeys == nil {
		b.AppliedKeys = make(map[string]bool)
	}
	if b.AppliedKeys[consumedKey] {
		return b, nil
	}

	switch ledgerKind {
	case "file":
		m, err := LoadFilesManifest(t.store, id)
		if err != nil {
			return nil, err
		}
		if m.RemoveFileEntry(consumedKey) {
			if err := SaveFilesManifest(t.store, id, m); err != nil {
				return nil, err
			}
		}
		if fileBlobPath != "" {
			_ = os.Remove(fileBlobPath)
		}
	case "url":
		m, err := LoadURLManifest(t.store, id)
		if err != nil {
			return nil, err
		}
		if m.RemoveURLEntry(consumedKey) {
			if err := SaveURLManifest(t.store, id, m); err != nil {
				return nil, err
			}
		}
	}

	b.Results = append(b.Results, result)
	b.AppliedKeys[consumedKey] = true
	b.Counts.Processed++
	switch {
	case result.Error != "":
		// A detection attempt that failed outright (transient exhaustion or
		// permanent failure) is errored, never invalid, regardless of the
		// wire-level IsValid placeholder (design notes §9: Errored is a
		// distinct sum arm, flattened to is_valid="invalid" on the wire).
		b.Counts.Errored++
	case result.IsValid == "valid":
		b.Counts.Valid++
	default:
		b.Counts.Invalid++
	}

	if err := t.checkCompletion(b); err != nil {
		return nil, err
	}
	if err := t.save(b); err != nil {
		return nil, err
	}
	if b.Status == StatusCompleted {
		t.fireNotify(b)
	}
	return b, nil
}

// checkCompletion transitions b to completed if processed == total and
// both ledgers are empty (spec §4.3, §4.6 step 4).
func (t *Tracker) checkCompletion(b *Batch) error {
	if b.Status != StatusProcessing && b.Status != StatusInitialized {
		return nil
	}
	if b.Total == nil || b.Counts.Processed < *b.Total {
		return nil
	}
	files, err := LoadFilesManifest(t.store, b.ID)
	if err != nil {
		return err
	}
	urls, err := LoadURLManifest(t.store, b.ID)
	if err != nil {
		return err
	}
	if Len(files, urls) != 0 {
		return nil
	}
	b.Status = StatusCompleted
	b.CompletedAt = t.clock()
	return nil
}

func (t *Tracker) fireNotify(b *Batch) {
	if t.notify == nil {
		return
	}
	go t.notify.NotifyComplete(b)
}

// StatusView is the poll-route response shape (spec §6.1 status route).
type StatusView struct {
	Status          Status `json:"status"`
	Counts          Counts `json:"counts"`
	ProgressPercent int    `json:"progress_percent"`
}

// Status returns the current status/counts/progress for a batch.
func (t *Tracker) Status(id string) (StatusView, error) {
	b, err := t.Load(id)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Status: b.Status, Counts: b.Counts, ProgressPercent: b.ProgressPercent()}, nil
}

// Complete forces closure of a batch. Legal from processing with both
// ledgers empty; returns the final Result list. On a batch that is already
// completed it returns that batch's results unchanged.
func (t *Tracker) Complete(id string) ([]Result, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	b, err := t.load(id)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusCompleted {
		return b.Results, nil
	}
	if b.Status != StatusProcessing {
		return nil, &errs.Conflict{Reason: "batch is not processing: " + string(b.Status)}
	}
	files, err := LoadFilesManifest(t.store, id)
	if err != nil {
		return nil, err
	}
	urls, err := LoadURLManifest(t.store, id)
	if err != nil {
		return nil, err
	}
	if Len(files, urls) != 0 {
		return nil, &errs.Conflict{Reason: "batch still has pending work"}
	}
	b.Status = StatusCompleted
	b.CompletedAt = t.clock()
	if err := t.save(b); err != nil {
		return nil, err
	}
	t.fireNotify(b)
	return b.Results, nil
}

// Delete removes a batch's document, exports, and any pending artifacts.
func (t *Tracker) Delete(id string) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := store.RemoveAll(t.store.BatchDocPath(id)); err != nil {
		return err
	}
	return store.RemoveAll(t.store.ExportsDir() + "/" + id)
}

// List enumerates every batch document's summary (admin batch-history,
// spec §6.1).
func (t *Tracker) List() ([]Summary, error) {
	entries, err := listBatchIDs(t.store)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(entries))
	for _, id := range entries {
		b, err := t.Load(id)
		if err != nil {
			if _, ok := err.(*errs.NotFound); ok {
				continue
			}
			return nil, err
		}
		summaries = append(summaries, b.Summary())
	}
	return summaries, nil
}

func listBatchIDs(s *store.Store) ([]string, error) {
	entries, err := os.ReadDir(s.DataDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.Storage{Op: "readdir " + s.DataDir(), Cause: err}
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > 5 && name[len(name)-5:] == ".json" && name[len(name)-9:] != ".tmp.json" {
			ids = append(ids, name[:len(name)-5])
		}
	}
	return ids, nil
}
