// Package ingest implements the ingest pipeline (C6): acceptance of a
// submission, materialization of pending work to durable ledgers, and a
// bounded worker pool that drives each item through the detector client
// with retry and progress publication.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/logocheck/errs"
	"github.com/hazyhaar/logocheck/horosafe"
	"github.com/hazyhaar/logocheck/logocheck/internal/batch"
	"github.com/hazyhaar/logocheck/logocheck/internal/detector"
	"github.com/hazyhaar/logocheck/logocheck/internal/progress"
	"github.com/hazyhaar/logocheck/logocheck/internal/store"
)

// RetryPolicy is the small policy value spec §9 calls for: applied at the
// boundary between ingest and detector client, never woven into business
// logic.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy matches spec §4.5: base=1s, multiplier=2, R=3.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

// FileItem is a materialized file-mode work item.
type FileItem struct {
	LocalName    string
	OriginalName string
	BlobPath     string
}

// Pipeline owns the bounded worker pool and the submit/dispatch logic
// described by spec §4.5.
type Pipeline struct {
	store    *store.Store
	tracker  *batch.Tracker
	detector *detector.Client
	hub      *progress.Hub
	policy   RetryPolicy
	poolSize int
	logger   *slog.Logger

	// itemCh is the admission-control channel: a bounded worker pool pulls
	// items from here, grounded on horos47/services/gpufeeder's semaphore
	// pattern, generalized to a work-stealing channel since ingest has no
	// SQL job table to poll.
	itemCh chan workItem
	wg     sync.WaitGroup

	mu        sync.Mutex
	stopped   bool
	stopCh    chan struct{}
}

type workItem struct {
	batchID      string
	ledgerKind   string // "file" | "url"
	key          string
	ref          detector.ImageRef
	inputLabel   string
	fileBlobPath string
}

// New creates a Pipeline with poolSize worker goroutines.
func New(s *store.Store, tracker *batch.Tracker, det *detector.Client, hub *progress.Hub, policy RetryPolicy, poolSize int, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	p := &Pipeline{
		store:    s,
		tracker:  tracker,
		detector: det,
		hub:      hub,
		policy:   policy,
		poolSize: poolSize,
		logger:   logger,
		itemCh:   make(chan workItem, poolSize*4),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < poolSize; i++ {
		p.wg.Add(1)
		go p.worker(context.Background())
	}
	return p
}

// Stop signals workers to stop accepting new items, lets in-flight items
// finish within grace, then returns once all workers have exited or grace
// has elapsed, whichever comes first (spec §5 cancellation / grace window).
func (p *Pipeline) Stop(grace time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("ingest: grace window elapsed, abandoning in-flight workers")
	}
}

// acceptedExtensions lists the recognized image file types for archive
// extraction (spec §4.5).
var acceptedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".bmp": true,
}

// IsAcceptedImage reports whether filename has a recognized image extension.
func IsAcceptedImage(filename string) bool {
	return acceptedExtensions[filepathExt(filename)]
}

func filepathExt(name string) string {
	ext := ""
	for i := len(name) - 1; i >= 0 && name[i] != '/'; i-- {
		if name[i] == '.' {
			ext = name[i:]
			break
		}
	}
	return lower(ext)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// SubmitFiles materializes N uploaded files (or archive-extracted files)
// into the file-mode ledger and enqueues them, per spec §4.5 steps 1-4.
// name/content pairs must already be filtered to accepted image types.
func (p *Pipeline) SubmitFiles(ctx context.Context, batchID string, files map[string][]byte) error {
	if err := p.validateAcceptance(batchID); err != nil {
		return err
	}

	dir, err := p.store.PendingFilesDir(batchID)
	if err != nil {
		return err
	}
	manifest, err := batch.LoadFilesManifest(p.store, batchID)
	if err != nil {
		return err
	}

	var items []workItem
	for originalName, content := range files {
		if err := horosafe.ValidateIdentifier(sanitizedBase(originalName)); err != nil {
			return &errs.Invalid{Reason: fmt.Sprintf("unsafe filename %q: %v", originalName, err)}
		}
		localName := uniqueLocalName(originalName)
		blobPath, err := store.SafeLocalName(dir, localName)
		if err != nil {
			return &errs.Invalid{Reason: err.Error()}
		}
		if err := os.WriteFile(blobPath, content, 0o644); err != nil {
			return &errs.Storage{Op: "write " + blobPath, Cause: err}
		}
		manifest.Entries = append(manifest.Entries, batch.FileEntry{LocalName: localName, OriginalName: originalName})
		items = append(items, workItem{
			batchID:      batchID,
			ledgerKind:   "file",
			key:          localName,
			ref:          detector.ImageRef{Bytes: content, Filename: originalName},
			inputLabel:   originalName,
			fileBlobPath: blobPath,
		})
	}

	if err := batch.SaveFilesManifest(p.store, batchID, manifest); err != nil {
		return err
	}
	if err := p.tracker.MarkProcessing(batchID); err != nil {
		return err
	}
	p.enqueueAll(items)
	return nil
}

// SubmitURLs materializes M URLs into the URL-mode ledger and enqueues
// them.
func (p *Pipeline) SubmitURLs(ctx context.Context, batchID string, urls []string, keyGen func() string) error {
	if err := p.validateAcceptance(batchID); err != nil {
		return err
	}

	manifest, err := batch.LoadURLManifest(p.store, batchID)
	if err != nil {
		return err
	}

	var items []workItem
	for _, u := range urls {
		if err := horosafe.ValidateURL(u); err != nil {
			return &errs.Invalid{Reason: fmt.Sprintf("unsafe url %q: %v", u, err)}
		}
		key := keyGen()
		manifest.Entries = append(manifest.Entries, batch.URLEntry{Key: key, URL: u})
		items = append(items, workItem{
			batchID:    batchID,
			ledgerKind: "url",
			key:        key,
			ref:        detector.ImageRef{URL: u},
			inputLabel: u,
		})
	}

	if err := batch.SaveURLManifest(p.store, batchID, manifest); err != nil {
		return err
	}
	if err := p.tracker.MarkProcessing(batchID); err != nil {
		return err
	}
	p.enqueueAll(items)
	return nil
}

func (p *Pipeline) validateAcceptance(batchID string) error {
	if err := horosafe.ValidateIdentifier(batchID); err != nil {
		return &errs.Invalid{Reason: fmt.Sprintf("unsafe batch id %q: %v", batchID, err)}
	}
	b, err := p.tracker.Load(batchID)
	if err != nil {
		return err
	}
	if b.Status != batch.StatusInitialized && b.Status != batch.StatusProcessing {
		return &errs.Conflict{Reason: "batch is not accepting submissions: " + string(b.Status)}
	}
	return nil
}

func (p *Pipeline) enqueueAll(items []workItem) {
	for _, it := range items {
		p.itemCh <- it
	}
}

// Requeue re-enqueues a single item without re-materializing it (used by
// recovery, §4.6).
func (p *Pipeline) Requeue(batchID, ledgerKind, key string, ref detector.ImageRef, inputLabel, fileBlobPath string) {
	p.itemCh <- workItem{
		batchID:      batchID,
		ledgerKind:   ledgerKind,
		key:          key,
		ref:          ref,
		inputLabel:   inputLabel,
		fileBlobPath: fileBlobPath,
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case item := <-p.itemCh:
			p.process(ctx, item)
		}
	}
}

// process drives one item through the detector with retry/backoff,
// commits the Result, and publishes progress (spec §4.5).
func (p *Pipeline) process(ctx context.Context, item workItem) {
	var verdict detector.Verdict
	var lastErr error
	attempts := 0

	for attempts < p.policy.MaxAttempts {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		v, err := p.detector.Detect(callCtx, item.ref)
		cancel()
		if err == nil {
			verdict = v
			lastErr = nil
			break
		}
		lastErr = err

		de, ok := err.(*detector.Error)
		if !ok || de.Kind == detector.KindPermanent {
			break // permanent failure: no retry (spec §4.2, §4.5 step 2)
		}
		if attempts >= p.policy.MaxAttempts {
			break
		}
		p.hub.Publish(item.batchID, progress.Event{Type: progress.EventRetryStart, BatchID: item.batchID, RetryTotal: attempts})
		wait := time.Duration(float64(p.policy.BaseDelay) * pow(p.policy.Multiplier, attempts-1))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			attempts = p.policy.MaxAttempts // stop retrying, context is done
		case <-timer.C:
		}
	}

	result := resultFrom(item.inputLabel, verdict, lastErr)

	updated, err := p.tracker.AppendResult(item.batchID, result, item.ledgerKind, item.key, item.fileBlobPath)
	if err != nil {
		p.logger.Error("ingest: commit failed, item remains pending", "batch_id", item.batchID, "key", item.key, "error", err)
		return
	}

	p.hub.Publish(item.batchID, progress.Event{
		Type:         progress.EventProgress,
		BatchID:      item.batchID,
		Processed:    updated.Counts.Processed,
		Total:        derefTotal(updated.Total),
		Percent:      updated.ProgressPercent(),
		CurrentInput: item.inputLabel,
	})

	if updated.Status == batch.StatusCompleted {
		p.hub.Publish(item.batchID, progress.Event{
			Type:    progress.EventComplete,
			BatchID: item.batchID,
			Processed: updated.Counts.Processed,
			Valid:   updated.Counts.Valid,
			Invalid: updated.Counts.Invalid,
			Errored: updated.Counts.Errored,
		})
	}
}

func resultFrom(input string, v detector.Verdict, err error) batch.Result {
	if err != nil {
		reason := err.Error()
		if de, ok := err.(*detector.Error); ok {
			reason = de.Reason
		}
		return batch.Result{Input: input, IsValid: "invalid", Error: reason}
	}
	if !v.IsValid {
		return batch.Result{Input: input, IsValid: "invalid"}
	}
	var bbox *batch.BBox
	if v.BBox != nil {
		bb := batch.BBox(*v.BBox)
		bbox = &bb
	}
	return batch.Result{
		Input:      input,
		IsValid:    "valid",
		Confidence: v.Confidence,
		DetectedBy: v.DetectedBy,
		BBox:       bbox,
	}
}

func derefTotal(t *int) int {
	if t == nil {
		return 0
	}
	return *t
}

func pow(base float64, exp int) float64 {
	r := 1.0
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

func sanitizedBase(name string) string {
	return filepath.Base(name)
}

var localNameCounter uint64
var localNameMu sync.Mutex

// uniqueLocalName derives a filesystem-safe, collision-free local name
// from a client-supplied filename.
func uniqueLocalName(original string) string {
	localNameMu.Lock()
	localNameCounter++
	n := localNameCounter
	localNameMu.Unlock()
	ext := filepathExt(original)
	return fmt.Sprintf("%d_%d_%s%s", time.Now().UnixNano(), n, "img", ext)
}
