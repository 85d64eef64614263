package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/logocheck/errs"
	"github.com/hazyhaar/logocheck/logocheck/internal/batch"
)

// writeJSON and writeError mirror cmd/chrc/main.go's helpers of the same
// name.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationFromHours(h int) time.Duration  { return time.Duration(h) * time.Hour }
func durationFromMinutes(m int) time.Duration { return time.Duration(m) * time.Minute }

// singlePollInterval/singlePollTimeout bound how long the single-image
// route waits for its one-item batch to drain before giving up (spec §4.9:
// single returns its Result synchronously despite going through the async
// ingest pipeline).
const (
	singlePollInterval = 50 * time.Millisecond
	singlePollTimeout  = 60 * time.Second
)

// waitForCompletion polls the tracker until a one-item batch reaches a
// terminal state, returning its sole Result. A caller that submits N=1 and
// never sees completion within the timeout gets a Storage error: the
// detector is unreachable for far longer than its own retry policy allows.
func waitForCompletion(tracker *batch.Tracker, id string) (batch.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), singlePollTimeout)
	defer cancel()

	ticker := time.NewTicker(singlePollInterval)
	defer ticker.Stop()

	for {
		b, err := tracker.Load(id)
		if err != nil {
			return batch.Result{}, err
		}
		if b.Status == batch.StatusCompleted || b.Status == batch.StatusFailed {
			if len(b.Results) == 0 {
				return batch.Result{}, &errs.Storage{Op: "single detect", Cause: context.DeadlineExceeded}
			}
			return b.Results[0], nil
		}
		select {
		case <-ctx.Done():
			return batch.Result{}, &errs.Storage{Op: "single detect", Cause: ctx.Err()}
		case <-ticker.C:
		}
	}
}
