package connectivity

import "context"

// Handler is a transport-agnostic service function: bytes in, bytes out.
// Both local Go functions and remote HTTP clients implement this signature.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)
