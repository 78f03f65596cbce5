package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ocdispatch/internal/domain"
)

func makeObs(plant string, n int) []domain.Observation {
	base := time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Observation, n)
	for i := range out {
		out[i] = domain.NewObservation("Térmica", "AES ANDRES", plant,
			base.Add(time.Duration(i+1)*time.Hour), decimal.NewFromInt(int64(100+i)))
	}
	return out
}

// recordingSink captures batches and can fail selected batch numbers.
type recordingSink struct {
	mu       sync.Mutex
	batches  [][]domain.Observation
	failOn   map[int]error             // 1-based batch number -> error
	partial  map[int][]string          // 1-based batch number -> rejected ids
	onUpsert func(ctx context.Context) // called before recording
}

func (s *recordingSink) UpsertBatch(ctx context.Context, batch []domain.Observation) ([]string, error) {
	if s.onUpsert != nil {
		s.onUpsert(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]domain.Observation(nil), batch...))
	n := len(s.batches)
	if err := s.failOn[n]; err != nil {
		return nil, err
	}
	return s.partial[n], nil
}

func (s *recordingSink) Close() error { return nil }

func TestDedupLastValueWinsFirstPositionKept(t *testing.T) {
	obs := makeObs("A", 3)
	newer := obs[0]
	newer.Energy = decimal.NewFromInt(999)

	got := Dedup([]domain.Observation{obs[0], obs[1], newer, obs[2], obs[1]})
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != obs[0].ID || got[1].ID != obs[1].ID || got[2].ID != obs[2].ID {
		t.Errorf("order = %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
	if !got[0].Energy.Equal(decimal.NewFromInt(999)) {
		t.Errorf("energy = %s, want last value 999", got[0].Energy)
	}
}

func TestWriteAllBatchesOfTwentyFive(t *testing.T) {
	sink := &recordingSink{}
	w := NewBatchWriter(sink, 25, nil, nil)

	obs := append(makeObs("A", 24), makeObs("B", 24)...)
	obs = append(obs, makeObs("C", 24)...)
	obs = append(obs, obs[:5]...) // duplicates

	report, err := w.WriteAll(context.Background(), obs)
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if report.Submitted != 77 || report.Unique != 72 {
		t.Errorf("submitted/unique = %d/%d, want 77/72", report.Submitted, report.Unique)
	}
	if report.Batches != 3 || len(sink.batches) != 3 {
		t.Fatalf("batches = %d (sink saw %d), want 3", report.Batches, len(sink.batches))
	}
	for i, want := range []int{25, 25, 22} {
		if got := len(sink.batches[i]); got != want {
			t.Errorf("batch %d size = %d, want %d", i+1, got, want)
		}
	}
	if report.Succeeded != 72 || report.Failed != 0 {
		t.Errorf("succeeded/failed = %d/%d, want 72/0", report.Succeeded, report.Failed)
	}
	if Err(report) != nil {
		t.Errorf("Err(report) = %v, want nil", Err(report))
	}
}

func TestWriteAllClampsBatchSize(t *testing.T) {
	sink := &recordingSink{}
	w := NewBatchWriter(sink, 100, nil, nil)
	if _, err := w.WriteAll(context.Background(), makeObs("A", 24)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteAll(context.Background(), append(makeObs("B", 24), makeObs("C", 24)...)); err != nil {
		t.Fatal(err)
	}
	for i, b := range sink.batches {
		if len(b) > MaxBatchSize {
			t.Errorf("batch %d has %d items, max %d", i, len(b), MaxBatchSize)
		}
	}
}

func TestWriteAllFailedBatchDoesNotStopLaterBatches(t *testing.T) {
	sink := &recordingSink{failOn: map[int]error{2: errors.New("throttled")}}
	w := NewBatchWriter(sink, 25, nil, nil)

	obs := append(makeObs("A", 24), makeObs("B", 24)...)
	obs = append(obs, makeObs("C", 24)...)

	report, err := w.WriteAll(context.Background(), obs)
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if len(sink.batches) != 3 {
		t.Fatalf("sink saw %d batches, want 3", len(sink.batches))
	}
	if report.Succeeded != 47 || report.Failed != 25 {
		t.Errorf("succeeded/failed = %d/%d, want 47/25", report.Succeeded, report.Failed)
	}
	if len(report.FailedIDs) != 25 || report.FailedIDs[0] != sink.batches[1][0].ID {
		t.Errorf("FailedIDs do not match batch 2")
	}
	if len(report.Errors) != 1 {
		t.Fatalf("Errors = %d, want 1", len(report.Errors))
	}
	var we *domain.WriteError
	if !errors.As(report.Errors[0], &we) || len(we.IDs) != 25 {
		t.Errorf("error = %v, want WriteError with 25 ids", report.Errors[0])
	}
	if Err(report) == nil {
		t.Error("Err(report) = nil, want failure summary")
	}
}

func TestWriteAllPartialFailure(t *testing.T) {
	obs := makeObs("A", 24)
	sink := &recordingSink{partial: map[int][]string{1: {obs[3].ID, obs[7].ID}}}
	w := NewBatchWriter(sink, 25, nil, nil)

	report, err := w.WriteAll(context.Background(), obs)
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if report.Succeeded != 22 || report.Failed != 2 {
		t.Errorf("succeeded/failed = %d/%d, want 22/2", report.Succeeded, report.Failed)
	}
}

func TestWriteAllCancelledFinishesInFlightBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inFlightCtxErr error
	sink := &recordingSink{}
	sink.onUpsert = func(bctx context.Context) {
		if len(sink.batches) == 0 {
			cancel()
			inFlightCtxErr = bctx.Err()
		}
	}
	w := NewBatchWriter(sink, 25, nil, nil)

	obs := append(makeObs("A", 24), makeObs("B", 24)...)
	obs = append(obs, makeObs("C", 24)...)

	report, err := w.WriteAll(ctx, obs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if inFlightCtxErr != nil {
		t.Errorf("in-flight batch saw ctx error %v", inFlightCtxErr)
	}
	if len(sink.batches) != 1 {
		t.Errorf("sink saw %d batches, want 1", len(sink.batches))
	}
	if report.Succeeded != 25 || report.Skipped != 47 {
		t.Errorf("succeeded/skipped = %d/%d, want 25/47", report.Succeeded, report.Skipped)
	}
}

func TestWriteAllStopsOnFatal(t *testing.T) {
	sink := &recordingSink{failOn: map[int]error{1: domain.Fatal("sink", errors.New("access denied"))}}
	w := NewBatchWriter(sink, 25, nil, nil)

	obs := append(makeObs("A", 24), makeObs("B", 24)...)
	report, err := w.WriteAll(context.Background(), obs)
	if !domain.IsFatal(err) {
		t.Fatalf("err = %v, want FatalConfigError", err)
	}
	if len(sink.batches) != 1 {
		t.Errorf("sink saw %d batches, want 1", len(sink.batches))
	}
	if report.Failed != 25 || report.Skipped != 23 {
		t.Errorf("failed/skipped = %d/%d, want 25/23", report.Failed, report.Skipped)
	}
}

func TestWriteAllEmpty(t *testing.T) {
	sink := &recordingSink{}
	report, err := NewBatchWriter(sink, 25, nil, nil).WriteAll(context.Background(), nil)
	if err != nil || report.Batches != 0 || len(sink.batches) != 0 {
		t.Errorf("WriteAll(nil) = %+v, %v", report, err)
	}
}

func TestWriteAllIdempotentOnMemorySink(t *testing.T) {
	sink := NewMemorySink()
	w := NewBatchWriter(sink, 25, nil, nil)
	obs := append(makeObs("A", 24), makeObs("B", 24)...)

	for run := 0; run < 3; run++ {
		if _, err := w.WriteAll(context.Background(), obs); err != nil {
			t.Fatal(err)
		}
	}
	if sink.Len() != 48 {
		t.Errorf("stored %d observations after 3 runs, want 48", sink.Len())
	}
}
