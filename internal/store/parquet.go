package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"ocdispatch/internal/domain"
)

// Compile-time interface check.
var _ ObservationSink = (*ParquetSink)(nil)

// ParquetSink stores observations in one Parquet file per observation date:
//
//	<DataDir>/observations/<YYYY>/<YYYY-MM-DD>.parquet
//
// Each batch is merged into the existing file by id.
type ParquetSink struct {
	DataDir string
	locks   keyedMutex
}

// NewParquetSink creates a new ParquetSink rooted at the given data
// directory.
func NewParquetSink(dataDir string) *ParquetSink {
	return &ParquetSink{DataDir: dataDir}
}

// ObservationRecord is the Parquet schema for one observation. Energy is the
// exact decimal string.
type ObservationRecord struct {
	ID         string `parquet:"id"`
	Group      string `parquet:"group"`
	GroupPlant string `parquet:"group_plant"`
	Company    string `parquet:"company"`
	Plant      string `parquet:"plant"`
	Timestamp  int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Datetime   string `parquet:"datetime"`
	Energy     string `parquet:"energy"`
}

func toRecord(o domain.Observation) ObservationRecord {
	return ObservationRecord{
		ID:         o.ID,
		Group:      o.Group,
		GroupPlant: o.GroupPlant,
		Company:    o.Company,
		Plant:      o.Plant,
		Timestamp:  o.Timestamp.UnixMilli(),
		Datetime:   o.Datetime(),
		Energy:     o.EnergyText(),
	}
}

func fromRecord(r ObservationRecord) (domain.Observation, error) {
	energy, err := decimal.NewFromString(r.Energy)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("observation %s: energy: %w", r.ID, err)
	}
	return domain.Observation{
		ID:         r.ID,
		Group:      r.Group,
		GroupPlant: r.GroupPlant,
		Company:    r.Company,
		Plant:      r.Plant,
		Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
		Energy:     energy,
	}, nil
}

// UpsertBatch merges batch into the per-date files it touches.
func (s *ParquetSink) UpsertBatch(_ context.Context, batch []domain.Observation) ([]string, error) {
	var failed []string
	var errs []error
	for date, group := range partitionByDate(batch) {
		if err := s.mergeDate(date, group); err != nil {
			failed = append(failed, ids(group)...)
			errs = append(errs, fmt.Errorf("%s: %w", date, err))
		}
	}
	if len(failed) == len(batch) {
		return nil, errors.Join(errs...)
	}
	return failed, nil
}

func (s *ParquetSink) mergeDate(date string, obs []domain.Observation) error {
	path := s.path(date)
	unlock := s.locks.Lock(path)
	defer unlock()

	existing, err := readParquetFile[ObservationRecord](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	incoming := make([]ObservationRecord, len(obs))
	for i, o := range obs {
		incoming[i] = toRecord(o)
	}
	return writeParquetFile(path, mergeObservationRecords(existing, incoming))
}

// ReadDate returns the observations stored for date (YYYY-MM-DD), ordered
// by timestamp.
func (s *ParquetSink) ReadDate(_ context.Context, date string) ([]domain.Observation, error) {
	records, err := readParquetFile[ObservationRecord](s.path(date))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.Observation, 0, len(records))
	for _, r := range records {
		o, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *ParquetSink) Close() error { return nil }

func (s *ParquetSink) path(date string) string {
	return filepath.Join(s.DataDir, "observations", date[:4], date+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes to a temp file and renames it into place so a
// crash never leaves a truncated partition.
func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeObservationRecords deduplicates records by id, preferring incoming
// records over existing ones. Results are sorted by timestamp then id.
func mergeObservationRecords(existing, incoming []ObservationRecord) []ObservationRecord {
	seen := make(map[string]ObservationRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]ObservationRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	slices.SortFunc(merged, func(a, b ObservationRecord) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return merged
}

// partitionByDate groups observations by their calendar date.
func partitionByDate(batch []domain.Observation) map[string][]domain.Observation {
	out := make(map[string][]domain.Observation)
	for _, o := range batch {
		d := o.Date()
		out[d] = append(out[d], o)
	}
	return out
}
