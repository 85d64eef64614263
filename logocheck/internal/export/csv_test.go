package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/hazyhaar/logocheck/logocheck/internal/batch"
)

func TestWriteCSV_HeaderAndRows(t *testing.T) {
	bbox := batch.BBox{1, 2, 3, 4}
	b := &batch.Batch{
		ID:        "batch-1",
		UpdatedAt: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		Results: []batch.Result{
			{Input: "logo.png", IsValid: "valid", Confidence: 0.92, DetectedBy: "model-a", BBox: &bbox},
			{Input: "bad.png", IsValid: "invalid", Error: "detector timeout"},
		},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, b); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	r := csv.NewReader(&buf)
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("parse csv output: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d records", len(records))
	}
	if got := records[0]; len(got) != 8 || got[0] != "Image_Path_or_URL" || got[7] != "Batch_ID" {
		t.Fatalf("unexpected header: %v", got)
	}

	valid := records[1]
	if valid[0] != "logo.png" || valid[1] != "valid" || valid[2] != "0.92" || valid[3] != "model-a" || valid[4] != "[1,2,3,4]" {
		t.Fatalf("unexpected valid row: %v", valid)
	}
	if valid[7] != "batch-1" {
		t.Fatalf("batch id column: %v", valid)
	}

	invalid := records[2]
	if invalid[0] != "bad.png" || invalid[1] != "invalid" || invalid[2] != "" || invalid[4] != "" || invalid[5] != "detector timeout" {
		t.Fatalf("unexpected invalid row: %v", invalid)
	}
}

func TestConfidenceString_ZeroIsBlank(t *testing.T) {
	if got := confidenceString(batch.Result{Confidence: 0}); got != "" {
		t.Fatalf("confidenceString(0) = %q, want empty", got)
	}
	if got := confidenceString(batch.Result{Confidence: 0.5}); got != "0.5" {
		t.Fatalf("confidenceString(0.5) = %q, want 0.5", got)
	}
}

func TestBboxString_NilIsBlank(t *testing.T) {
	if got := bboxString(batch.Result{BBox: nil}); got != "" {
		t.Fatalf("bboxString(nil) = %q, want empty", got)
	}
}
