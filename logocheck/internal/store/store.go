// Package store provides the append-safe JSON document layer backing every
// batch, ledger, and export. All writes go through a write-temp-then-rename
// discipline so readers never observe a partial record.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hazyhaar/logocheck/errs"
	"github.com/hazyhaar/logocheck/horosafe"
)

// Store roots every path under a single directory, laid out per spec §4.1:
//
//	<root>/data/<batch_id>.json
//	<root>/exports/<batch_id>/results.csv
//	<root>/exports/<batch_id>/pending_urls.json
//	<root>/exports/<batch_id>/pending_files.json
//	<root>/exports/<batch_id>/pending_files/<local-name>
//	<root>/temp_uploads/…
type Store struct {
	root string
}

// New creates a Store rooted at root, creating the standard subdirectories.
func New(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{s.DataDir(), s.ExportsDir(), s.TempUploadsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &errs.Storage{Op: "mkdir " + dir, Cause: err}
		}
	}
	return s, nil
}

// Root returns the configured store root.
func (s *Store) Root() string { return s.root }

// DataDir is where batch documents live.
func (s *Store) DataDir() string { return filepath.Join(s.root, "data") }

// ExportsDir is the parent of all per-batch export/ledger directories.
func (s *Store) ExportsDir() string { return filepath.Join(s.root, "exports") }

// TempUploadsDir is scratch space for the single-image path.
func (s *Store) TempUploadsDir() string { return filepath.Join(s.root, "temp_uploads") }

// BatchDocPath returns the path to a batch's JSON document.
func (s *Store) BatchDocPath(batchID string) string {
	return filepath.Join(s.DataDir(), batchID+".json")
}

// BatchExportDir returns a batch's export/ledger directory, creating it if absent.
func (s *Store) BatchExportDir(batchID string) (string, error) {
	dir := filepath.Join(s.ExportsDir(), batchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &errs.Storage{Op: "mkdir " + dir, Cause: err}
	}
	return dir, nil
}

// PendingFilesDir returns a batch's directory for uploaded-file blobs.
func (s *Store) PendingFilesDir(batchID string) (string, error) {
	dir, err := s.BatchExportDir(batchID)
	if err != nil {
		return "", err
	}
	blobs := filepath.Join(dir, "pending_files")
	if err := os.MkdirAll(blobs, 0o755); err != nil {
		return "", &errs.Storage{Op: "mkdir " + blobs, Cause: err}
	}
	return blobs, nil
}

// WriteAtomic writes data to target via a sibling .tmp file followed by a
// rename, so concurrent readers never observe a partial write. Grounded on
// the write-temp-then-rename discipline used throughout this codebase for
// durable document writes.
func WriteAtomic(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &errs.Storage{Op: "mkdir " + filepath.Dir(target), Cause: err}
	}
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &errs.Storage{Op: "create " + tmp, Cause: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &errs.Storage{Op: "write " + tmp, Cause: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &errs.Storage{Op: "fsync " + tmp, Cause: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &errs.Storage{Op: "close " + tmp, Cause: err}
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return &errs.Storage{Op: "rename " + tmp + " -> " + target, Cause: err}
	}
	return nil
}

// WriteJSON marshals v and writes it atomically to target.
func WriteJSON(target string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", target, err)
	}
	return WriteAtomic(target, data)
}

// ReadJSON reads and unmarshals target into v. Returns *errs.NotFound if
// target does not exist.
func ReadJSON(target string, v any) error {
	data, err := os.ReadFile(target)
	if os.IsNotExist(err) {
		return &errs.NotFound{What: "document", ID: target}
	}
	if err != nil {
		return &errs.Storage{Op: "read " + target, Cause: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: unmarshal %s: %w", target, err)
	}
	return nil
}

// Exists reports whether path exists on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SafeLocalName validates a user-supplied local name and returns its path
// under dir, rejecting path traversal attempts.
func SafeLocalName(dir, name string) (string, error) {
	if err := horosafe.ValidateIdentifier(name); err != nil {
		return "", &errs.Invalid{Reason: err.Error()}
	}
	return horosafe.SafePath(dir, name)
}

// RemoveAll removes path and everything under it, tolerating a missing path.
func RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return &errs.Storage{Op: "remove " + path, Cause: err}
	}
	return nil
}
