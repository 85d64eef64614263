package connectivity

import "fmt"

// ErrCallTimeout is returned when a remote call does not complete before
// its caller's context is done.
type ErrCallTimeout struct {
	Service string
}

func (e *ErrCallTimeout) Error() string {
	return fmt.Sprintf("connectivity: call timeout: %s", e.Service)
}

// ErrCircuitOpen is returned when the circuit breaker for a service is open,
// rejecting the call without attempting the remote handler.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrHTTPStatus is returned by an HTTP Handler (see factory_http.go) when the
// remote responds outside the 2xx range, preserving the status code and body
// so the caller can classify the failure (e.g. transient 5xx vs permanent
// 4xx) instead of matching on an error string.
type ErrHTTPStatus struct {
	Code int
	Body []byte
}

func (e *ErrHTTPStatus) Error() string {
	return fmt.Sprintf("connectivity: http status %d", e.Code)
}
