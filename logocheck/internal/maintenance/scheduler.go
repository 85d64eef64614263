// Package maintenance implements C8: the three periodic garbage-collection
// jobs (temp sweep, batch expiry, session expiry) described by spec §4.7.
package maintenance

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/logocheck/logocheck/internal/batch"
	"github.com/hazyhaar/logocheck/logocheck/internal/session"
	"github.com/hazyhaar/logocheck/logocheck/internal/store"
)

// Config controls every job's period and age thresholds (spec §4.7). They
// are set through the YAML config overlay or its defaults; no env var
// covers them.
type Config struct {
	TempSweepPeriod    time.Duration
	TempAge            time.Duration
	BatchSweepPeriod   time.Duration
	BatchAge           time.Duration
	PendingAgeCap      time.Duration
	SessionSweepPeriod time.Duration
}

// Result tallies what a sweep pass did, matching the manual cleanup route's
// response shape (spec §6.1).
type Result struct {
	BatchesCleaned    int `json:"batches_cleaned"`
	TempFilesCleaned  int `json:"temp_files_cleaned"`
	PendingBatchesCleaned int `json:"pending_batches_cleaned"`
}

// Scheduler owns the maintenance ticker, started on process init and
// stopped on shutdown (spec §9 design notes: explicit supervisor, not a
// module-level background task).
type Scheduler struct {
	store   *store.Store
	tracker *batch.Tracker
	sess    *session.Store
	cfg     Config
	logger  *slog.Logger
	clock   func() time.Time

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Scheduler.
func New(s *store.Store, tracker *batch.Tracker, sess *session.Store, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   s,
		tracker: tracker,
		sess:    sess,
		cfg:     cfg,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the loop that drives the three job tickers. Safe to call
// once.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
}

// Stop signals the loop to exit and waits for it.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)

	tempTick := time.NewTicker(s.cfg.TempSweepPeriod)
	batchTick := time.NewTicker(s.cfg.BatchSweepPeriod)
	sessTick := time.NewTicker(s.cfg.SessionSweepPeriod)
	defer tempTick.Stop()
	defer batchTick.Stop()
	defer sessTick.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-tempTick.C:
			n := s.SweepTemp(s.cfg.TempAge)
			if n > 0 {
				s.logger.Info("maintenance: temp sweep", "files_removed", n)
			}
		case <-batchTick.C:
			r := s.SweepBatches(s.cfg.BatchAge, s.cfg.PendingAgeCap)
			if r.BatchesCleaned > 0 || r.PendingBatchesCleaned > 0 {
				s.logger.Info("maintenance: batch sweep", "batches_cleaned", r.BatchesCleaned, "pending_batches_cleaned", r.PendingBatchesCleaned)
			}
		case <-sessTick.C:
			n := s.sess.SweepExpired()
			if n > 0 {
				s.logger.Info("maintenance: session sweep", "sessions_expired", n)
			}
		}
	}
}

// SweepTemp deletes files under the store's temp_uploads dir older than
// maxAge (spec §4.7 Temp sweep).
func (s *Scheduler) SweepTemp(maxAge time.Duration) int {
	dir := s.store.TempUploadsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("maintenance: temp sweep readdir failed", "error", err)
		}
		return 0
	}
	cutoff := s.clock().Add(-maxAge)
	n := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				s.logger.Warn("maintenance: temp sweep remove failed", "path", path, "error", err)
				continue
			}
			n++
		}
	}
	return n
}

// SweepBatches implements spec §4.7's batch expiry job and its pending-age
// hard cap (P8): batches with status in {completed, failed} older than
// batchAge are fully removed; a batch with a non-empty ledger is never
// touched until pendingAgeCap has elapsed, at which point its stale
// pending artifacts are wiped and the batch is marked failed before
// deletion.
func (s *Scheduler) SweepBatches(batchAge, pendingAgeCap time.Duration) Result {
	var res Result
	ids, err := listBatchIDs(s.store)
	if err != nil {
		s.logger.Warn("maintenance: batch sweep listBatchIDs failed", "error", err)
		return res
	}

	now := s.clock()
	for _, id := range ids {
		b, err := s.tracker.Load(id)
		if err != nil {
			continue
		}

		age := now.Sub(b.UpdatedAt)

		if b.Status == batch.StatusCompleted || b.Status == batch.StatusFailed {
			if age < batchAge {
				continue
			}
			if age < pendingAgeCap {
				files, ferr := batch.LoadFilesManifest(s.store, id)
				urls, uerr := batch.LoadURLManifest(s.store, id)
				if ferr != nil || uerr != nil || batch.Len(files, urls) != 0 {
					continue // non-empty ledger: protected until pendingAgeCap (P8)
				}
			}
			if err := s.tracker.Delete(id); err != nil {
				s.logger.Warn("maintenance: delete expired batch failed", "batch_id", id, "error", err)
				continue
			}
			res.BatchesCleaned++
			continue
		}

		// initialized/processing with a non-empty ledger: protected unless
		// pendingAgeCap has elapsed (P8).
		files, ferr := batch.LoadFilesManifest(s.store, id)
		urls, uerr := batch.LoadURLManifest(s.store, id)
		if ferr != nil || uerr != nil {
			continue
		}
		if batch.Len(files, urls) == 0 {
			continue // recovery/completion will handle this, not our concern
		}
		if age < pendingAgeCap {
			continue
		}

		if err := s.tracker.MarkFailed(id, "pending age cap exceeded"); err != nil {
			s.logger.Warn("maintenance: mark failed on pending-age cap failed", "batch_id", id, "error", err)
			continue
		}
		if err := s.tracker.Delete(id); err != nil {
			s.logger.Warn("maintenance: delete pending-expired batch failed", "batch_id", id, "error", err)
			continue
		}
		res.PendingBatchesCleaned++
	}
	return res
}

func listBatchIDs(s *store.Store) ([]string, error) {
	entries, err := os.ReadDir(s.DataDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > 5 && name[len(name)-5:] == ".json" {
			ids = append(ids, name[:len(name)-5])
		}
	}
	return ids, nil
}
