// Package transform expands one-day provider dispatch records into hourly
// energy observations.
package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ocdispatch/internal/domain"
)

// Expand turns one raw record into exactly 24 observations in strictly
// increasing timestamp order. Hour h (1..23) maps to report date + h hours;
// hour 24 maps to 00:00 of the following day.
//
// The report date must be midnight. Any missing, null or non-numeric hourly
// value rejects the whole record with a *domain.MalformedRecordError.
// GRUPO, EMPRESA and CENTRAL are used exactly as sent; ids hash the raw text.
func Expand(rec domain.RawDispatchRecord) ([]domain.Observation, error) {
	for _, f := range [...]struct{ name, value string }{
		{"GRUPO", rec.Group}, {"EMPRESA", rec.Company}, {"CENTRAL", rec.Plant},
	} {
		if strings.TrimSpace(f.value) == "" {
			return nil, malformed(rec, f.name, errors.New("empty"))
		}
	}

	base, err := ParseReportDate(rec.ReportDate)
	if err != nil {
		return nil, malformed(rec, "FECHA", err)
	}

	out := make([]domain.Observation, 0, domain.HoursPerDay)
	for h := 1; h <= domain.HoursPerDay; h++ {
		energy, err := parseEnergy(rec.Hourly[h-1])
		if err != nil {
			return nil, malformed(rec, domain.HourKey(h), err)
		}
		var ts time.Time
		if h == domain.HoursPerDay {
			ts = base.AddDate(0, 0, 1)
		} else {
			ts = base.Add(time.Duration(h) * time.Hour)
		}
		out = append(out, domain.NewObservation(rec.Group, rec.Company, rec.Plant, ts, energy))
	}
	return out, nil
}

// ParseReportDate parses a FECHA value. Both "2006-01-02T15:04:05" and a
// bare "2006-01-02" are accepted; the result must fall on midnight.
func ParseReportDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("missing")
	}
	var (
		t   time.Time
		err error
	)
	if len(s) == len("2006-01-02") {
		t, err = time.Parse("2006-01-02", s)
	} else {
		t, err = time.Parse(domain.TimestampLayout, s)
	}
	if err != nil {
		return time.Time{}, err
	}
	if t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 {
		return time.Time{}, fmt.Errorf("%q is not midnight", s)
	}
	return t, nil
}

// parseEnergy reads an hourly value from its raw JSON text. Numbers and
// numeric strings are both accepted.
func parseEnergy(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Decimal{}, errors.New("missing")
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.Decimal{}, err
		}
		text = strings.TrimSpace(text)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("not numeric: %s", raw)
	}
	return d, nil
}

func malformed(rec domain.RawDispatchRecord, field string, err error) error {
	return &domain.MalformedRecordError{
		Plant:      rec.Plant,
		ReportDate: rec.ReportDate,
		Field:      field,
		Err:        err,
	}
}
