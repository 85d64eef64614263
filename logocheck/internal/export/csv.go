// Package export renders a completed batch's results to CSV (spec §6.2).
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/hazyhaar/logocheck/logocheck/internal/batch"
)

var header = []string{
	"Image_Path_or_URL", "Is_Valid", "Confidence", "Detected_By",
	"Bounding_Box", "Error", "Timestamp", "Batch_ID",
}

// WriteCSV renders b's results in append order to w, per spec §6.2's fixed
// column order. Timestamp is b.UpdatedAt's RFC3339 form for every row
// (result-level timestamps are not tracked individually).
func WriteCSV(w io.Writer, b *batch.Batch) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	ts := b.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")
	for _, r := range b.Results {
		record := []string{
			r.Input,
			r.IsValid,
			confidenceString(r),
			r.DetectedBy,
			bboxString(r),
			r.Error,
			ts,
			b.ID,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func confidenceString(r batch.Result) string {
	if r.Confidence == 0 {
		return ""
	}
	return strconv.FormatFloat(r.Confidence, 'f', -1, 64)
}

func bboxString(r batch.Result) string {
	if r.BBox == nil {
		return ""
	}
	bb := *r.BBox
	return fmt.Sprintf("[%d,%d,%d,%d]", bb[0], bb[1], bb[2], bb[3])
}
