package ingest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/logocheck/logocheck/internal/batch"
	"github.com/hazyhaar/logocheck/logocheck/internal/detector"
	"github.com/hazyhaar/logocheck/logocheck/internal/progress"
	"github.com/hazyhaar/logocheck/logocheck/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsAcceptedImage(t *testing.T) {
	cases := map[string]bool{
		"logo.png": true, "photo.JPG": true, "icon.webp": true,
		"doc.pdf": false, "noext": false, "archive.zip": false,
	}
	for name, want := range cases {
		if got := IsAcceptedImage(name); got != want {
			t.Errorf("IsAcceptedImage(%q) = %v, want %v", name, got, want)
		}
	}
}

// newUnreachableDetector builds a Client against a reserved, never-resolving
// hostname (RFC 2606): every Detect call fails fast and deterministically
// without depending on outbound network access, exercising the real
// retry/backoff and error-commit path without a live detector worker.
func newUnreachableDetector(t *testing.T) *detector.Client {
	t.Helper()
	det, err := detector.New(detector.Config{BaseURL: "https://img-detector.invalid", Logger: discardLogger()})
	if err != nil {
		t.Fatalf("detector.New: %v", err)
	}
	return det
}

func newTestPipeline(t *testing.T, poolSize int, policy RetryPolicy) (*store.Store, *batch.Tracker, *Pipeline) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	n := 0
	tr := batch.New(s, func() string {
		n++
		return "batch-" + string(rune('a'+n))
	}, batch.WithLogger(discardLogger()))
	hub := progress.New(time.Minute, discardLogger())
	det := newUnreachableDetector(t)
	p := New(s, tr, det, hub, policy, poolSize, discardLogger())
	t.Cleanup(func() { p.Stop(2 * time.Second) })
	return s, tr, p
}

func waitForTerminal(t *testing.T, tr *batch.Tracker, id string, timeout time.Duration) *batch.Batch {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, err := tr.Load(id)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if b.Status == batch.StatusCompleted || b.Status == batch.StatusFailed {
			return b
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("batch did not reach a terminal state before timeout")
	return nil
}

func TestSubmitFiles_UnreachableDetectorCommitsErroredResult(t *testing.T) {
	_, tr, p := newTestPipeline(t, 1, RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, Multiplier: 2})

	id, err := tr.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tr.Init(id, "client-1", 1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.SubmitFiles(context.Background(), id, map[string][]byte{"logo.png": []byte("fakebytes")}); err != nil {
		t.Fatalf("SubmitFiles: %v", err)
	}

	b := waitForTerminal(t, tr, id, 5*time.Second)
	if b.Status != batch.StatusCompleted {
		t.Fatalf("status: got %s, want completed", b.Status)
	}
	if b.Counts.Errored != 1 || len(b.Results) != 1 {
		t.Fatalf("counts/results: %+v / %+v", b.Counts, b.Results)
	}
	if b.Results[0].Error == "" {
		t.Fatal("expected a non-empty error reason on the committed result")
	}
}

func TestSubmitURLs_RejectsUnsafeURL(t *testing.T) {
	_, tr, p := newTestPipeline(t, 1, DefaultRetryPolicy())

	id, err := tr.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tr.Init(id, "", 1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	err = p.SubmitURLs(context.Background(), id, []string{"http://127.0.0.1:9/internal"}, func() string { return "k1" })
	if err == nil {
		t.Fatal("expected SSRF-guarded URL to be rejected")
	}
}

func TestSubmitFiles_RejectsSubmissionToUninitializedBatch(t *testing.T) {
	_, tr, p := newTestPipeline(t, 1, DefaultRetryPolicy())

	id, err := tr.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Never Init'd: still in "created" state.
	err = p.SubmitFiles(context.Background(), id, map[string][]byte{"a.png": []byte("x")})
	if err == nil {
		t.Fatal("expected submission to an uninitialized batch to be rejected")
	}
}
