// Package batch implements the batch tracker (C4): the authoritative state
// machine for a batch of images, durable on disk, with per-batch locking.
package batch

import "time"

// Status is a batch's lifecycle stage.
type Status string

const (
	StatusCreated     Status = "created"
	StatusInitialized Status = "initialized"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Counts tracks per-batch item accounting. Invariant: Processed == Valid +
// Invalid + Errored, and none of these ever decrease (P1, P2).
type Counts struct {
	Processed int `json:"processed"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Errored   int `json:"errored"`
}

// BBox is a detection bounding box, [x1,y1,x2,y2].
type BBox [4]int

// Result is a per-image verdict. Exactly one of the valid-group fields or
// Error is populated once an item has actually been attempted; a still
// queued item has no Result at all.
type Result struct {
	Input      string  `json:"input"`
	IsValid    string  `json:"is_valid"` // "valid" | "invalid"
	Confidence float64 `json:"confidence,omitempty"`
	DetectedBy string  `json:"detected_by,omitempty"`
	BBox       *BBox   `json:"bbox,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Batch is the full durable document for one batch, persisted at
// <root>/data/<batch_id>.json.
type Batch struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id,omitempty"`
	Email       string    `json:"email,omitempty"`
	Total       *int      `json:"total,omitempty"`
	Counts      Counts    `json:"counts"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Results     []Result  `json:"results"`

	// AppliedKeys records which pending keys have already been committed,
	// making AppendResult idempotent across a crash-and-retry (P5):
	// re-applying the same (id, key) after restart is a no-op.
	AppliedKeys map[string]bool `json:"applied_keys,omitempty"`
}

// ProgressPercent computes spec §4.3's progress formula.
func (b *Batch) ProgressPercent() int {
	total := 1
	if b.Total != nil && *b.Total > 0 {
		total = *b.Total
	}
	return 100 * b.Counts.Processed / total
}

// Summary is the admin batch-history list shape.
type Summary struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Total     *int      `json:"total,omitempty"`
	Counts    Counts    `json:"counts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Batch) Summary() Summary {
	return Summary{
		ID:        b.ID,
		Status:    b.Status,
		Total:     b.Total,
		Counts:    b.Counts,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}
