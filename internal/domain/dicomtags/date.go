package dicomtags

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ParseDate reads DICOM DA values ("19800131") and the looser forms some
// modalities send ("1980-01-31", "1980.01.31"). Unparseable input is nil.
func ParseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	raw = strings.ReplaceAll(raw, ".", "-")
	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}
