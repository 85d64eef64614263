// Package recovery implements the startup scan that resumes any batch
// whose pending ledger is non-empty (C7, spec §4.6).
package recovery

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hazyhaar/logocheck/logocheck/internal/batch"
	"github.com/hazyhaar/logocheck/logocheck/internal/detector"
	"github.com/hazyhaar/logocheck/logocheck/internal/ingest"
	"github.com/hazyhaar/logocheck/logocheck/internal/store"
)

// Run enumerates every batch document and re-enqueues remaining ledger
// items into pipeline. Safe to call twice (idempotent): commit-then-remove
// is atomic from the consumer's point of view, so an already-committed
// item never reappears in a ledger to be re-enqueued (spec §4.6 step 2,
// Idempotence).
func Run(s *store.Store, tracker *batch.Tracker, pipeline *ingest.Pipeline, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ids, err := listBatchIDs(s)
	if err != nil {
		return err
	}

	for _, id := range ids {
		b, err := tracker.Load(id)
		if err != nil {
			logger.Warn("recovery: load batch failed, skipping", "batch_id", id, "error", err)
			continue
		}
		if b.Status != batch.StatusInitialized && b.Status != batch.StatusProcessing {
			continue
		}

		files, err := batch.LoadFilesManifest(s, id)
		if err != nil {
			logger.Warn("recovery: load files manifest failed", "batch_id", id, "error", err)
			continue
		}
		urls, err := batch.LoadURLManifest(s, id)
		if err != nil {
			logger.Warn("recovery: load url manifest failed", "batch_id", id, "error", err)
			continue
		}

		reconcileFileLedger(s, id, files, tracker, logger)

		if batch.Len(files, urls) == 0 {
			// Step 4: ledgers empty but status not yet terminal — complete it.
			if b.Status == batch.StatusProcessing {
				if _, err := tracker.Complete(id); err != nil {
					logger.Warn("recovery: complete failed", "batch_id", id, "error", err)
				} else {
					logger.Info("recovery: completed idle batch", "batch_id", id)
				}
			}
			continue
		}

		dir, err := s.PendingFilesDir(id)
		if err != nil {
			logger.Warn("recovery: pending files dir failed", "batch_id", id, "error", err)
			continue
		}
		for _, e := range files.Entries {
			blobPath := filepath.Join(dir, e.LocalName)
			data, err := os.ReadFile(blobPath)
			if err != nil {
				logger.Warn("recovery: read pending blob failed", "batch_id", id, "path", blobPath, "error", err)
				continue
			}
			pipeline.Requeue(id, "file", e.LocalName, detector.ImageRef{Bytes: data, Filename: e.OriginalName}, e.OriginalName, blobPath)
		}
		for _, e := range urls.Entries {
			pipeline.Requeue(id, "url", e.Key, detector.ImageRef{URL: e.URL}, e.URL, "")
		}
		if len(files.Entries)+len(urls.Entries) > 0 {
			logger.Info("recovery: resumed batch", "batch_id", id, "pending", len(files.Entries)+len(urls.Entries))
		}
	}
	return nil
}

// reconcileFileLedger implements spec §4.6 step 3: a blob without a
// manifest entry is orphaned and deleted; a manifest entry without a blob
// is dropped and recorded as an errored Result (the pending item is
// unrecoverable — requeuing it would just fail again).
//
// Entries recorded here as errored are also removed from manifest in
// place, so the caller's requeue pass over manifest.Entries, which runs
// after this call, skips them.
func reconcileFileLedger(s *store.Store, batchID string, manifest *batch.FilesManifest, tracker *batch.Tracker, logger *slog.Logger) {
	dir, err := s.PendingFilesDir(batchID)
	if err != nil {
		logger.Warn("recovery: pending files dir failed", "batch_id", batchID, "error", err)
		return
	}

	onDisk := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("recovery: list pending files dir failed", "batch_id", batchID, "error", err)
	} else {
		for _, e := range entries {
			if !e.IsDir() {
				onDisk[e.Name()] = true
			}
		}
	}

	inManifest := make(map[string]bool, len(manifest.Entries))
	for _, e := range manifest.Entries {
		inManifest[e.LocalName] = true
	}

	// Blob without manifest entry: orphan, delete.
	for name := range onDisk {
		if !inManifest[name] {
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil {
				logger.Warn("recovery: remove orphan blob failed", "batch_id", batchID, "path", path, "error", err)
			} else {
				logger.Info("recovery: removed orphan blob", "batch_id", batchID, "path", path)
			}
		}
	}

	// Manifest entry without blob: unrecoverable, record errored Result
	// and let AppendResult shrink the manifest atomically.
	var missing []batch.FileEntry
	for _, e := range manifest.Entries {
		if !onDisk[e.LocalName] {
			missing = append(missing, e)
		}
	}
	for _, e := range missing {
		result := batch.Result{Input: e.OriginalName, IsValid: "invalid", Error: "pending blob missing on restart"}
		if _, err := tracker.AppendResult(batchID, result, "file", e.LocalName, ""); err != nil {
			logger.Warn("recovery: record missing-blob result failed", "batch_id", batchID, "local_name", e.LocalName, "error", err)
			continue
		}
		manifest.RemoveFileEntry(e.LocalName)
	}
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
