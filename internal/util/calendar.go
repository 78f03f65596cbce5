package util

import (
	"fmt"
	"time"
)

const (
	// DateLayout is the YYYY-MM-DD layout of job parameters.
	DateLayout = "2006-01-02"
	// APIDateLayout is the MM/DD/YYYY layout of the provider's Fecha query
	// parameter.
	APIDateLayout = "01/02/2006"
)

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}

// Truncate returns midnight UTC of t's calendar date.
func Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Days returns every calendar date from start to end inclusive, ascending.
// start after end yields nil.
func Days(start, end time.Time) []time.Time {
	start, end = Truncate(start), Truncate(end)
	if start.After(end) {
		return nil
	}
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Trailing returns the inclusive range of n days ending at the date of now.
func Trailing(now time.Time, n int) (start, end time.Time) {
	end = Truncate(now)
	if n < 1 {
		n = 1
	}
	return end.AddDate(0, 0, -(n - 1)), end
}
