package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/logocheck/horosafe"
)

// maxHTTPResponseBody caps the amount of response data read from the
// detector worker to prevent memory exhaustion (10 MiB).
const maxHTTPResponseBody int64 = 10 << 20

// NewHTTPHandler builds a Handler that POSTs payload to endpoint and returns
// the response body. endpoint is trusted: callers that accept it from
// untrusted input (a client-submitted URL, say) must run it through
// horosafe.ValidateURL themselves before calling here — this factory is
// built once per already-validated destination, not per incoming request.
func NewHTTPHandler(endpoint string, timeout time.Duration, contentType string) (Handler, func(), error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	client := &http.Client{Timeout: timeout}

	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: do request: %w", err)
		}
		defer resp.Body.Close()

		body, err := horosafe.LimitedReadAll(resp.Body, maxHTTPResponseBody)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &ErrHTTPStatus{Code: resp.StatusCode, Body: body}
		}

		return body, nil
	}

	closeFn := func() {
		client.CloseIdleConnections()
	}

	return handler, closeFn, nil
}
