package common

import (
	"fmt"
	"strings"
	"time"
)

// Standard date format constants
const (
	// ISO8601Date is used for command line dates and provider queries
	ISO8601Date = "2006-01-02"

	// MonthDate identifies a calendar month, e.g. in logs and frame file names
	MonthDate = "2006-01"

	// FrameLabelDate is the default month label drawn on animation frames
	FrameLabelDate = "Jan 2006"

	// FileTimestamp is the generation timestamp embedded in output names
	FileTimestamp = "20060102_150405"
)

// ParseISO8601 parses a date string in ISO 8601 format (YYYY-MM-DD)
func ParseISO8601(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("date string is empty")
	}
	return time.Parse(ISO8601Date, dateStr)
}

// ParseDate accepts either YYYY-MM-DD or YYYY-MM. A bare month resolves to
// its first day. Results are in UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := ParseISO8601(s); err == nil {
		return t, nil
	}
	t, err := time.Parse(MonthDate, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD or YYYY-MM)", s)
	}
	return t, nil
}

// FormatISO8601 formats a time.Time to ISO 8601 date string (YYYY-MM-DD)
func FormatISO8601(t time.Time) string {
	return t.Format(ISO8601Date)
}

// FormatMonth formats t as YYYY-MM.
func FormatMonth(t time.Time) string {
	return t.Format(MonthDate)
}

// FormatFrameLabel formats t for a frame overlay (Jan 2006)
func FormatFrameLabel(t time.Time) string {
	return t.Format(FrameLabelDate)
}

// FormatFileTimestamp formats t for output file names (20060102_150405)
func FormatFileTimestamp(t time.Time) string {
	return t.Format(FileTimestamp)
}
