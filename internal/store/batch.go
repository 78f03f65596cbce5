package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ocdispatch/internal/domain"
	"ocdispatch/internal/metrics"
)

// MaxBatchSize is the most observations sent to a sink in one call.
const MaxBatchSize = 25

// BatchWriter deduplicates observations and writes them to a sink in
// fixed-size batches.
type BatchWriter struct {
	sink      ObservationSink
	batchSize int
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// NewBatchWriter returns a writer over sink. batchSize outside 1..25 is
// clamped to 25. m may be nil.
func NewBatchWriter(sink ObservationSink, batchSize int, m *metrics.Metrics, log *slog.Logger) *BatchWriter {
	if batchSize < 1 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &BatchWriter{
		sink:      sink,
		batchSize: batchSize,
		metrics:   m,
		log:       log.With("component", "batch-writer"),
	}
}

// Dedup collapses observations sharing an id. The last value wins but the
// id keeps the position of its first occurrence.
func Dedup(obs []domain.Observation) []domain.Observation {
	pos := make(map[string]int, len(obs))
	out := make([]domain.Observation, 0, len(obs))
	for _, o := range obs {
		if i, ok := pos[o.ID]; ok {
			out[i] = o
			continue
		}
		pos[o.ID] = len(out)
		out = append(out, o)
	}
	return out
}

// WriteAll deduplicates obs and upserts it batch by batch. A failed batch is
// recorded in the report and never stops later batches. A FatalConfigError
// from the sink stops the write and is returned.
//
// If ctx is cancelled the batch in flight still completes, no further batch
// starts, the remaining observations are counted as skipped and ctx.Err()
// is returned with the partial report.
func (w *BatchWriter) WriteAll(ctx context.Context, obs []domain.Observation) (domain.WriteReport, error) {
	unique := Dedup(obs)
	report := domain.WriteReport{
		Submitted: len(obs),
		Unique:    len(unique),
	}

	// The batch in flight must not be torn down mid-request.
	writeCtx := context.WithoutCancel(ctx)

	for start := 0; start < len(unique); start += w.batchSize {
		if err := ctx.Err(); err != nil {
			report.Skipped = len(unique) - start
			w.metrics.Skipped(report.Skipped)
			return report, err
		}

		batch := unique[start:min(start+w.batchSize, len(unique))]
		report.Batches++

		failed, err := w.sink.UpsertBatch(writeCtx, batch)
		if err != nil {
			failed = ids(batch)
			report.Errors = append(report.Errors, &domain.WriteError{IDs: failed, Err: err})
			w.log.Error("batch failed",
				"batch", report.Batches,
				"size", len(batch),
				"reason", domain.Reason(err),
				"error", err,
			)
		} else if len(failed) > 0 {
			report.Errors = append(report.Errors, &domain.WriteError{
				IDs: failed,
				Err: fmt.Errorf("%d of %d observations rejected", len(failed), len(batch)),
			})
			w.log.Warn("batch partially failed",
				"batch", report.Batches,
				"size", len(batch),
				"failed", len(failed),
			)
		}

		report.Succeeded += len(batch) - len(failed)
		report.Failed += len(failed)
		report.FailedIDs = append(report.FailedIDs, failed...)
		w.metrics.Batch(len(batch), len(failed))

		if domain.IsFatal(err) {
			report.Skipped = len(unique) - (start + len(batch))
			w.metrics.Skipped(report.Skipped)
			return report, err
		}
	}
	return report, nil
}

// Err summarises the failures in r, or returns nil if every observation
// was written.
func Err(r domain.WriteReport) error {
	if r.Failed == 0 && r.Skipped == 0 {
		return nil
	}
	joined := errors.Join(r.Errors...)
	if joined == nil {
		return fmt.Errorf("%d of %d observations not written", r.Failed+r.Skipped, r.Unique)
	}
	return fmt.Errorf("%d of %d observations not written: %w", r.Failed+r.Skipped, r.Unique, joined)
}
