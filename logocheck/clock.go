// Package logocheck is the batch image-validation orchestrator: clients
// submit images, the service drives each through an external detection
// worker, and returns per-image verdicts plus aggregate reports.
package logocheck

import (
	"time"

	"github.com/hazyhaar/logocheck/idgen"
)

// Clock is the monotonic time source used throughout the orchestrator.
// Tests inject a fixed or stepped clock; production uses time.Now.
type Clock func() time.Time

// RealClock is the production Clock.
func RealClock() time.Time { return time.Now().UTC() }

// NewBatchID, NewClientID, NewSessionID and NewCSRFNonce are the ecosystem's
// deterministic-naming strategy: UUIDv7 for anything that benefits from
// time-sortable IDs, short NanoIDs for high-churn, short-lived values.
var (
	NewBatchID   idgen.Generator = idgen.Prefixed("batch_", idgen.UUIDv7())
	NewClientID  idgen.Generator = idgen.Prefixed("clt_", idgen.UUIDv7())
	NewSessionID idgen.Generator = idgen.NanoID(32)
	NewCSRFNonce idgen.Generator = idgen.NanoID(32)
)
