package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusCode_MapsTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &NotFound{What: "batch", ID: "x"}, http.StatusNotFound},
		{"conflict", &Conflict{Reason: "bad state"}, http.StatusConflict},
		{"invalid", &Invalid{Reason: "bad input"}, http.StatusBadRequest},
		{"unauthorized", &Unauthorized{}, http.StatusUnauthorized},
		{"forbidden", &Forbidden{Reason: "csrf"}, http.StatusForbidden},
		{"rate limited", &RateLimited{}, http.StatusTooManyRequests},
		{"storage", &Storage{Op: "write", Cause: errors.New("disk full")}, http.StatusInternalServerError},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusCode(tc.err); got != tc.want {
				t.Errorf("StatusCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestStatusCode_WrappedError(t *testing.T) {
	wrapped := errors.New("outer: " + (&NotFound{What: "session", ID: "tok"}).Error())
	// A plain string-wrapped error is not recoverable via errors.As, so it
	// falls through to 500 -- only typed wrapping (fmt.Errorf with %w) is
	// unwrapped by errors.As.
	if got := StatusCode(wrapped); got != http.StatusInternalServerError {
		t.Fatalf("StatusCode(string-wrapped) = %d, want 500", got)
	}

	var cause error = &NotFound{What: "session", ID: "tok"}
	if got := StatusCode(cause); got != http.StatusNotFound {
		t.Fatalf("StatusCode(NotFound) = %d, want 404", got)
	}
	if got := StatusCode(fmt.Errorf("outer: %w", cause)); got != http.StatusNotFound {
		t.Fatalf("StatusCode(%%w-wrapped NotFound) = %d, want 404", got)
	}
}
