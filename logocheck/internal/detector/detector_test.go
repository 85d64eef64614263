package detector

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/logocheck/connectivity"
)

// newTestClient builds a Client directly, bypassing New's SSRF check on
// baseURL (which rejects loopback addresses -- exactly what httptest
// servers use). This is in-package white-box construction, not a public
// API gap: production callers always go through New.
func newTestClient(baseURL string) *Client {
	return &Client{
		baseURL:             baseURL,
		confidenceThreshold: 0.5,
		httpClient:          &http.Client{Timeout: 2 * time.Second},
		breaker:             connectivity.NewCircuitBreaker(),
		logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDetect_SuccessfulVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Verdict{IsValid: true, Confidence: 0.87, DetectedBy: "model-x"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	v, err := c.Detect(context.Background(), ImageRef{Bytes: []byte("fakejpeg"), Filename: "a.jpg"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !v.IsValid || v.Confidence != 0.87 || v.DetectedBy != "model-x" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestDetect_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Detect(context.Background(), ImageRef{Bytes: []byte("x"), Filename: "a.jpg"})
	de, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if de.Kind != KindTransient {
		t.Fatalf("expected transient classification for 5xx, got %s", de.Kind)
	}
}

func TestDetect_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("malformed request"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Detect(context.Background(), ImageRef{Bytes: []byte("x"), Filename: "a.jpg"})
	de, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if de.Kind != KindPermanent {
		t.Fatalf("expected permanent classification for 4xx, got %s", de.Kind)
	}
}

func TestDetect_MalformedBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Detect(context.Background(), ImageRef{Bytes: []byte("x"), Filename: "a.jpg"})
	de, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if de.Kind != KindPermanent {
		t.Fatalf("expected permanent classification for malformed body, got %s", de.Kind)
	}
}

func TestDetect_CircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var lastErr error
	for i := 0; i < 20; i++ {
		_, lastErr = c.Detect(context.Background(), ImageRef{Bytes: []byte("x"), Filename: "a.jpg"})
	}
	de, ok := lastErr.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", lastErr)
	}
	if de.Kind != KindTransient {
		t.Fatalf("expected a transient error once the breaker opens, got %s", de.Kind)
	}
	if _, ok := de.Cause.(*connectivity.ErrCircuitOpen); !ok {
		t.Fatalf("expected the breaker to be open after repeated failures, got cause %T: %v", de.Cause, de.Cause)
	}
}
