package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ocdispatch/internal/domain"
)

// blobStore reads and replaces whole documents by key.
type blobStore interface {
	// get returns the document at key; ok is false when it does not exist.
	get(ctx context.Context, key string) (data []byte, ok bool, err error)
	put(ctx context.Context, key string, data []byte) error
}

// documentSink keeps one JSON array of observations per observation date
// and merges every batch into it by id. The JSON file and S3 sinks share
// it.
type documentSink struct {
	blobs blobStore
	key   func(date string) string
	locks keyedMutex
}

func (s *documentSink) UpsertBatch(ctx context.Context, batch []domain.Observation) ([]string, error) {
	var failed []string
	var errs []error
	for date, group := range partitionByDate(batch) {
		if err := s.mergeDate(ctx, date, group); err != nil {
			failed = append(failed, ids(group)...)
			errs = append(errs, fmt.Errorf("%s: %w", date, err))
		}
	}
	if len(failed) == len(batch) {
		return nil, errors.Join(errs...)
	}
	return failed, nil
}

func (s *documentSink) mergeDate(ctx context.Context, date string, obs []domain.Observation) error {
	key := s.key(date)
	unlock := s.locks.Lock(key)
	defer unlock()

	existing, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	merged := mergeObservations(existing, obs)
	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	return s.blobs.put(ctx, key, data)
}

func (s *documentSink) read(ctx context.Context, key string) ([]domain.Observation, error) {
	data, ok, err := s.blobs.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	var obs []domain.Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return obs, nil
}

// ReadDate returns the observations stored for date (YYYY-MM-DD).
func (s *documentSink) ReadDate(ctx context.Context, date string) ([]domain.Observation, error) {
	return s.read(ctx, s.key(date))
}

// mergeObservations overlays incoming on existing by id and sorts the
// result by timestamp then id.
func mergeObservations(existing, incoming []domain.Observation) []domain.Observation {
	seen := make(map[string]domain.Observation, len(existing)+len(incoming))
	for _, o := range existing {
		seen[o.ID] = o
	}
	for _, o := range incoming {
		seen[o.ID] = o
	}
	merged := make([]domain.Observation, 0, len(seen))
	for _, o := range seen {
		merged = append(merged, o)
	}
	sortObservations(merged)
	return merged
}
