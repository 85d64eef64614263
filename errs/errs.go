// Package errs defines the error taxonomy shared across logocheck's
// components: kinds, not concrete types, mapped to HTTP status codes at
// the surface.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// NotFound is returned when a batch, session, or export is unknown.
type NotFound struct {
	What string
	ID   string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.ID)
}

// Conflict is returned when an operation is illegal given current state
// (e.g. Complete on a batch with a non-empty ledger, Init with a mismatched total).
type Conflict struct {
	Reason string
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// Invalid is returned for malformed or unsupported client input.
type Invalid struct {
	Reason string
}

func (e *Invalid) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// Unauthorized is returned when a session token is missing or invalid.
type Unauthorized struct{}

func (e *Unauthorized) Error() string { return "unauthorized" }

// Forbidden is returned when a CSRF nonce is missing or does not match.
type Forbidden struct {
	Reason string
}

func (e *Forbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}

// RateLimited is returned by the HTTP policy layer on a breach.
type RateLimited struct{}

func (e *RateLimited) Error() string { return "rate limit exceeded" }

// Storage wraps a filesystem failure. Callers must treat on-disk state as
// unchanged when this is returned.
type Storage struct {
	Op    string
	Cause error
}

func (e *Storage) Error() string {
	return fmt.Sprintf("storage failure: %s: %v", e.Op, e.Cause)
}

func (e *Storage) Unwrap() error { return e.Cause }

// StatusCode maps an error taxonomy member to the HTTP status the surface
// writes. Anything not in the taxonomy is a bug, not a handled condition,
// so it maps to 500.
func StatusCode(err error) int {
	var (
		notFound    *NotFound
		conflict    *Conflict
		invalid     *Invalid
		unauth      *Unauthorized
		forbidden   *Forbidden
		rateLimited *RateLimited
		storage     *Storage
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &unauth):
		return http.StatusUnauthorized
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &storage):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
