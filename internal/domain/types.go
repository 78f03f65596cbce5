// Package domain defines the core types of the dispatch ingestion pipeline:
// raw provider records, expanded observations, per-day state and the
// reports produced by a run.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// HoursPerDay is the number of hourly readings in one dispatch record.
const HoursPerDay = 24

// TimestampLayout is the wall-clock layout used for observation timestamps
// and for identity hashing. It carries no zone suffix.
const TimestampLayout = "2006-01-02T15:04:05"

// ---------------------------------------------------------------------------
// Provider records
// ---------------------------------------------------------------------------

// RawDispatchRecord is one plant's one-day dispatch report as delivered by
// the provider API. Hourly values are kept as raw JSON text so that no
// binary float conversion ever touches them.
type RawDispatchRecord struct {
	Group      string
	Company    string
	Plant      string
	ReportDate string // FECHA, e.g. 2024-05-17T00:00:00
	Hourly     [HoursPerDay]json.RawMessage
}

// HourKey returns the provider field name for hour h (1-based), e.g. "H7".
func HourKey(h int) string {
	return "H" + strconv.Itoa(h)
}

// UnmarshalJSON decodes a provider object with GRUPO, EMPRESA, CENTRAL,
// FECHA and H1..H24 fields. Unknown fields are ignored; missing fields are
// left empty and reported later by the expander.
func (r *RawDispatchRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("dispatch record is null")
	}

	var out RawDispatchRecord
	for key, dst := range map[string]*string{
		"GRUPO":   &out.Group,
		"EMPRESA": &out.Company,
		"CENTRAL": &out.Plant,
		"FECHA":   &out.ReportDate,
	} {
		raw, ok := fields[key]
		if !ok || isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}
	for h := 1; h <= HoursPerDay; h++ {
		raw, ok := fields[HourKey(h)]
		if !ok || isNull(raw) {
			continue
		}
		out.Hourly[h-1] = append(json.RawMessage(nil), raw...)
	}

	*r = out
	return nil
}

// MarshalJSON encodes the record back into the provider's field layout.
func (r RawDispatchRecord) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	for key, val := range map[string]string{
		"GRUPO":   r.Group,
		"EMPRESA": r.Company,
		"CENTRAL": r.Plant,
		"FECHA":   r.ReportDate,
	} {
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		fields[key] = b
	}
	for h := 1; h <= HoursPerDay; h++ {
		if raw := r.Hourly[h-1]; raw != nil {
			fields[HourKey(h)] = raw
		}
	}
	return json.Marshal(fields)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// ---------------------------------------------------------------------------
// Observations
// ---------------------------------------------------------------------------

// Observation is one expanded hourly energy reading with a deterministic
// identity. Observations are never mutated after creation.
type Observation struct {
	ID         string
	Group      string
	GroupPlant string
	Company    string
	Plant      string
	Timestamp  time.Time // provider wall clock, carried in UTC
	Energy     decimal.Decimal
}

// NewObservation builds an observation for the given plant and hour,
// deriving the id and the group/plant composite.
func NewObservation(group, company, plant string, ts time.Time, energy decimal.Decimal) Observation {
	return Observation{
		ID:         ObservationID(group, company, plant, ts),
		Group:      group,
		GroupPlant: group + "-" + plant,
		Company:    company,
		Plant:      plant,
		Timestamp:  ts,
		Energy:     energy,
	}
}

// Datetime returns the timestamp in TimestampLayout.
func (o Observation) Datetime() string {
	return o.Timestamp.Format(TimestampLayout)
}

// EnergyText formats the energy keeping the scale it was parsed with, so
// "261.0" stays "261.0" rather than "261".
func (o Observation) EnergyText() string {
	if exp := o.Energy.Exponent(); exp < 0 {
		return o.Energy.StringFixed(-exp)
	}
	return o.Energy.String()
}

// Date returns the calendar date (YYYY-MM-DD) of the observation timestamp.
func (o Observation) Date() string {
	return o.Timestamp.Format("2006-01-02")
}

type observationJSON struct {
	ID         string `json:"id"`
	Group      string `json:"group"`
	GroupPlant string `json:"group_plant"`
	Company    string `json:"company"`
	Plant      string `json:"plant"`
	Datetime   string `json:"datetime"`
	Energy     string `json:"energy"`
}

// MarshalJSON encodes the observation with the energy as an exact decimal
// string and the timestamp without zone suffix.
func (o Observation) MarshalJSON() ([]byte, error) {
	return json.Marshal(observationJSON{
		ID:         o.ID,
		Group:      o.Group,
		GroupPlant: o.GroupPlant,
		Company:    o.Company,
		Plant:      o.Plant,
		Datetime:   o.Datetime(),
		Energy:     o.EnergyText(),
	})
}

// UnmarshalJSON decodes the representation produced by MarshalJSON.
func (o *Observation) UnmarshalJSON(data []byte) error {
	var w observationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(TimestampLayout, w.Datetime)
	if err != nil {
		return fmt.Errorf("observation %s: datetime: %w", w.ID, err)
	}
	energy, err := decimal.NewFromString(w.Energy)
	if err != nil {
		return fmt.Errorf("observation %s: energy: %w", w.ID, err)
	}
	*o = Observation{
		ID:         w.ID,
		Group:      w.Group,
		GroupPlant: w.GroupPlant,
		Company:    w.Company,
		Plant:      w.Plant,
		Timestamp:  ts,
		Energy:     energy,
	}
	return nil
}

// ---------------------------------------------------------------------------
// Day pipeline state and reports
// ---------------------------------------------------------------------------

// DayState is the lifecycle state of one day's pipeline.
type DayState string

const (
	DayPending      DayState = "pending"
	DayFetching     DayState = "fetching"
	DayTransforming DayState = "transforming"
	DayWriting      DayState = "writing"
	DayDone         DayState = "done"
	DayFailed       DayState = "failed"
	DaySkipped      DayState = "skipped"
)

// Terminal reports whether no further transition can happen from s.
func (s DayState) Terminal() bool {
	return s == DayDone || s == DayFailed || s == DaySkipped
}

// WriteReport aggregates the outcome of one BatchWriter.WriteAll call.
type WriteReport struct {
	Submitted int      // observations handed to the writer
	Unique    int      // distinct ids after dedup
	Batches   int      // batches attempted
	Succeeded int      // observations upserted
	Failed    int      // observations rejected by the sink
	Skipped   int      // observations never attempted (cancellation)
	FailedIDs []string // ids of rejected observations
	Errors    []error  // one WriteError per failed batch
}

// DayReport is the outcome of one day's fetch → expand → write pipeline.
type DayReport struct {
	Date         time.Time
	State        DayState
	Records      int // array elements returned by the provider
	Malformed    int // elements skipped by the decoder or the expander
	Observations int // observations produced
	Write        WriteReport
	Err          error
	Duration     time.Duration
}

// RunReport aggregates every day of a RunRange call.
type RunReport struct {
	Start    time.Time
	End      time.Time
	Days     []DayReport // sorted by date
	Duration time.Duration
}

// DaysProcessed returns the number of days that reached a terminal state
// other than skipped.
func (r *RunReport) DaysProcessed() int {
	n := 0
	for _, d := range r.Days {
		if d.State == DayDone || d.State == DayFailed {
			n++
		}
	}
	return n
}

// FailedDays returns the reports of days that ended in DayFailed.
func (r *RunReport) FailedDays() []DayReport {
	var out []DayReport
	for _, d := range r.Days {
		if d.State == DayFailed {
			out = append(out, d)
		}
	}
	return out
}

// DaysSkipped returns the number of days skipped by resume mode.
func (r *RunReport) DaysSkipped() int {
	n := 0
	for _, d := range r.Days {
		if d.State == DaySkipped {
			n++
		}
	}
	return n
}

// ObservationsWritten returns the number of observations upserted.
func (r *RunReport) ObservationsWritten() int {
	n := 0
	for _, d := range r.Days {
		n += d.Write.Succeeded
	}
	return n
}

// ObservationsFailed returns the number of observations rejected or left
// unwritten by cancellation.
func (r *RunReport) ObservationsFailed() int {
	n := 0
	for _, d := range r.Days {
		n += d.Write.Failed + d.Write.Skipped
	}
	return n
}
