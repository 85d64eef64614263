// Package detector implements the typed client to the external detection
// worker (C3): one operation, detect(image_ref) -> Verdict, with transport
// errors classified as transient or permanent per spec §4.2.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/hazyhaar/logocheck/connectivity"
	"github.com/hazyhaar/logocheck/horosafe"
)

// Kind classifies a detection failure for the ingest pipeline's retry
// policy (spec §4.2): Transient failures are retried, Permanent ones are
// recorded immediately as an errored Result.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// Error wraps a classified detection failure.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("detector: %s failure: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// BBox is a detection bounding box, [x1,y1,x2,y2].
type BBox [4]int

// Verdict is the detector worker's classification of one image.
type Verdict struct {
	IsValid    bool    `json:"is_valid"`
	Confidence float64 `json:"confidence,omitempty"`
	DetectedBy string  `json:"detected_by,omitempty"`
	BBox       *BBox   `json:"bbox,omitempty"`
}

// ImageRef is either raw image bytes (with a filename for content-type
// sniffing) or an absolute URL. Exactly one of Bytes or URL is set.
type ImageRef struct {
	Bytes    []byte
	Filename string
	URL      string
}

// Client calls the external detection worker over HTTP.
type Client struct {
	baseURL             string
	confidenceThreshold float64
	httpClient          *http.Client
	breaker             *connectivity.CircuitBreaker
	logger              *slog.Logger
}

// Config configures a Client.
type Config struct {
	BaseURL             string
	Timeout             time.Duration
	ConfidenceThreshold float64
	Logger              *slog.Logger
}

// New validates baseURL (SSRF guard, horosafe.ValidateURL) and constructs a
// Client with a per-request timeout and a circuit breaker guarding a
// worker that has gone entirely dark.
func New(cfg Config) (*Client, error) {
	if err := horosafe.ValidateURL(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:             cfg.BaseURL,
		confidenceThreshold: cfg.ConfidenceThreshold,
		httpClient:          &http.Client{Timeout: timeout},
		breaker:             connectivity.NewCircuitBreaker(),
		logger:              logger,
	}, nil
}

// Detect classifies one image. It is a single attempt: the ingest
// pipeline owns the retry loop (spec §9's retry policy is "applied at the
// boundary between ingest and detector client", not woven in here, so
// ingest can observe and publish a retry_start event between attempts).
func (c *Client) Detect(ctx context.Context, ref ImageRef) (Verdict, error) {
	if !c.breaker.Allow() {
		return Verdict{}, &Error{Kind: KindTransient, Reason: "detector circuit open", Cause: &connectivity.ErrCircuitOpen{Service: "detector"}}
	}

	payload, contentType, err := c.buildPayload(ref)
	if err != nil {
		return Verdict{}, &Error{Kind: KindPermanent, Reason: "build request", Cause: err}
	}

	// Built fresh per call rather than once per Client: a multipart payload's
	// Content-Type carries a boundary that changes every call, so the
	// factory's fixed contentType argument can't be shared across calls the
	// way a single-content-type route handler would.
	handler, closeFn, err := connectivity.NewHTTPHandler(c.baseURL+"/detect", c.httpClient.Timeout, contentType)
	if err != nil {
		return Verdict{}, &Error{Kind: KindPermanent, Reason: "build transport", Cause: err}
	}
	defer closeFn()
	handler = connectivity.Chain(
		connectivity.Logging(c.logger),
		connectivity.Recovery(c.logger),
		connectivity.Timeout(c.httpClient.Timeout),
	)(handler)

	body, err := handler(ctx, payload)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, &Error{Kind: KindTransient, Reason: "context done", Cause: &connectivity.ErrCallTimeout{Service: "detector"}}
		}
		if he, ok := err.(*connectivity.ErrHTTPStatus); ok {
			switch {
			case he.Code == http.StatusTooManyRequests || he.Code >= 500:
				c.breaker.RecordFailure()
				return Verdict{}, &Error{Kind: KindTransient, Reason: fmt.Sprintf("http %d", he.Code)}
			case he.Code >= 400:
				c.breaker.RecordSuccess() // worker is alive, it just rejected this request
				return Verdict{}, &Error{Kind: KindPermanent, Reason: fmt.Sprintf("http %d: %s", he.Code, truncate(he.Body, 256))}
			default:
				c.breaker.RecordFailure()
				return Verdict{}, &Error{Kind: KindTransient, Reason: fmt.Sprintf("http %d", he.Code)}
			}
		}
		c.breaker.RecordFailure()
		return Verdict{}, &Error{Kind: KindTransient, Reason: "transport error", Cause: err}
	}

	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		c.breaker.RecordSuccess()
		return Verdict{}, &Error{Kind: KindPermanent, Reason: "malformed response body", Cause: err}
	}
	c.breaker.RecordSuccess()
	return v, nil
}

// buildPayload encodes ref as either a JSON {url, confidence_threshold} body
// (URL mode) or a multipart file upload (bytes mode), returning the body and
// its matching Content-Type for the transport Handler.
func (c *Client) buildPayload(ref ImageRef) (payload []byte, contentType string, err error) {
	if ref.URL != "" {
		if err := horosafe.ValidateURL(ref.URL); err != nil {
			return nil, "", err
		}
		payload, err = json.Marshal(map[string]any{
			"url":                  ref.URL,
			"confidence_threshold": c.confidenceThreshold,
		})
		return payload, "application/json", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", ref.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(ref.Bytes)); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("confidence_threshold", fmt.Sprintf("%f", c.confidenceThreshold)); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
