// Package store persists observations. Every sink upserts keyed by the
// observation id, so re-ingesting a range overwrites rows instead of
// duplicating them.
package store

import (
	"context"

	"ocdispatch/internal/domain"
)

// ObservationSink writes batches of observations.
type ObservationSink interface {
	// UpsertBatch inserts or replaces every observation in batch. A non-nil
	// error means the whole batch failed. Otherwise failedIDs lists any
	// observations the sink rejected individually.
	UpsertBatch(ctx context.Context, batch []domain.Observation) (failedIDs []string, err error)

	// Close releases the sink's resources.
	Close() error
}

// ids returns the ids of batch in order.
func ids(batch []domain.Observation) []string {
	out := make([]string, len(batch))
	for i, o := range batch {
		out[i] = o.ID
	}
	return out
}
