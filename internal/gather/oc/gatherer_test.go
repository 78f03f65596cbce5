package oc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
	"ocdispatch/internal/store"
	"ocdispatch/internal/transform"
	"ocdispatch/internal/util"
)

func dayRecord(plant string, day time.Time) domain.RawDispatchRecord {
	rec := domain.RawDispatchRecord{
		Group:      "Térmica",
		Company:    "AES ANDRES",
		Plant:      plant,
		ReportDate: day.Format(domain.TimestampLayout),
	}
	for h := 1; h <= domain.HoursPerDay; h++ {
		rec.Hourly[h-1] = json.RawMessage(fmt.Sprintf("%d", 10*h))
	}
	return rec
}

// fakeFetcher serves two plants per day, failing days listed in fail.
// skipped is reported as the number of undecodable elements per day.
type fakeFetcher struct {
	fail    map[string]error
	delay   time.Duration
	skipped int

	mu       sync.Mutex
	fetched  []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeFetcher) FetchDay(ctx context.Context, day time.Time) ([]domain.RawDispatchRecord, int, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	date := day.Format(util.DateLayout)
	f.mu.Lock()
	f.fetched = append(f.fetched, date)
	f.mu.Unlock()

	if f.delay > 0 {
		if err := util.SleepContext(ctx, f.delay); err != nil {
			return nil, 0, err
		}
	}
	if err := f.fail[date]; err != nil {
		return nil, 0, err
	}
	return []domain.RawDispatchRecord{dayRecord("A", day), dayRecord("B", day)}, f.skipped, nil
}

func (f *fakeFetcher) fetchedDates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.fetched)
	slices.Sort(out)
	return out
}

type memLedger struct {
	mu   sync.Mutex
	done map[string]bool
}

func (l *memLedger) IsCompleted(_ context.Context, date string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done[date], nil
}

func (l *memLedger) MarkCompleted(_ context.Context, date string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		l.done = map[string]bool{}
	}
	l.done[date] = true
	return nil
}

func (l *memLedger) Completed(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for d := range l.done {
		out = append(out, d)
	}
	slices.Sort(out)
	return out, nil
}

func (l *memLedger) Close() error { return nil }

type recordingNotifier struct {
	mu    sync.Mutex
	dates []string
}

func (n *recordingNotifier) DayIngested(_ context.Context, rep domain.DayReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dates = append(n.dates, rep.Date.Format(util.DateLayout))
	return nil
}

// fatalWriter fails every write with a FatalConfigError.
type fatalWriter struct{}

func (fatalWriter) WriteAll(context.Context, []domain.Observation) (domain.WriteReport, error) {
	return domain.WriteReport{}, domain.Fatal("sink", errors.New("table does not exist"))
}

type fixture struct {
	fetcher  *fakeFetcher
	sink     *store.MemorySink
	ledger   *memLedger
	notifier *recordingNotifier
	g        *DispatchGatherer
}

func newFixture(t *testing.T, ingest config.Ingest) *fixture {
	t.Helper()
	pool := transform.NewPool(2)
	t.Cleanup(pool.Close)

	f := &fixture{
		fetcher:  &fakeFetcher{fail: map[string]error{}},
		sink:     store.NewMemorySink(),
		ledger:   &memLedger{},
		notifier: &recordingNotifier{},
	}
	f.g = NewDispatchGatherer(Pipeline{
		Fetcher:  f.fetcher,
		Expander: pool,
		Writer:   store.NewBatchWriter(f.sink, 25, nil, nil),
		Ledger:   f.ledger,
		Notifier: f.notifier,
	}, ingest)
	return f
}

func date(s string) time.Time {
	d, err := util.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRunRangeEndToEnd(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 4})

	report, err := f.g.RunRange(context.Background(), date("2024-05-17"), date("2024-05-19"))
	if err != nil {
		t.Fatalf("RunRange: %v", err)
	}
	if len(report.Days) != 3 || report.DaysProcessed() != 3 || len(report.FailedDays()) != 0 {
		t.Fatalf("days = %d processed = %d failed = %d", len(report.Days), report.DaysProcessed(), len(report.FailedDays()))
	}
	for i, d := range report.Days {
		if d.State != domain.DayDone {
			t.Errorf("day %d state = %s, want done", i, d.State)
		}
		if d.Records != 2 || d.Observations != 48 || d.Write.Succeeded != 48 || d.Write.Batches != 2 {
			t.Errorf("day %d = %+v", i, d)
		}
	}
	if !report.Days[0].Date.Before(report.Days[2].Date) {
		t.Error("report days not ascending")
	}
	if got := report.ObservationsWritten(); got != 144 {
		t.Errorf("ObservationsWritten = %d, want 144", got)
	}
	if f.sink.Len() != 144 {
		t.Errorf("sink holds %d observations, want 144", f.sink.Len())
	}

	// Hour 24 of 2024-05-17 is stamped at midnight of 2024-05-18.
	id := domain.ObservationID("Térmica", "AES ANDRES", "A", date("2024-05-18"))
	if o, ok := f.sink.Get(id); !ok || o.Energy.IntPart() != 240 {
		t.Errorf("hour-24 observation = %+v, %v", o, ok)
	}

	completed, _ := f.ledger.Completed(context.Background())
	if want := []string{"2024-05-17", "2024-05-18", "2024-05-19"}; !slices.Equal(completed, want) {
		t.Errorf("ledger = %v, want %v", completed, want)
	}
	if len(f.notifier.dates) != 3 {
		t.Errorf("notifications = %v, want 3", f.notifier.dates)
	}
	if f.g.LastReport() != report {
		t.Error("LastReport does not return the latest run")
	}
}

func TestRunRangeCountsUndecodableElementsAsMalformed(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 1})
	f.fetcher.skipped = 3

	report, err := f.g.RunRange(context.Background(), date("2024-05-17"), date("2024-05-17"))
	if err != nil {
		t.Fatalf("RunRange: %v", err)
	}
	d := report.Days[0]
	if d.State != domain.DayDone {
		t.Fatalf("state = %s, want done (err %v)", d.State, d.Err)
	}
	if d.Records != 5 || d.Malformed != 3 || d.Observations != 48 {
		t.Errorf("records = %d, malformed = %d, observations = %d; want 5, 3, 48", d.Records, d.Malformed, d.Observations)
	}
}

func TestRunRangeIsIdempotent(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 2})
	for i := 0; i < 2; i++ {
		if _, err := f.g.RunRange(context.Background(), date("2024-05-17"), date("2024-05-18")); err != nil {
			t.Fatal(err)
		}
	}
	if f.sink.Len() != 96 {
		t.Errorf("sink holds %d observations after two runs, want 96", f.sink.Len())
	}
}

func TestRunRangeBoundsConcurrency(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 2})
	f.fetcher.delay = 20 * time.Millisecond

	if _, err := f.g.RunRange(context.Background(), date("2024-05-01"), date("2024-05-08")); err != nil {
		t.Fatal(err)
	}
	if peak := f.fetcher.peak.Load(); peak > 2 {
		t.Errorf("peak in-flight days = %d, want <= 2", peak)
	}
	if got := len(f.fetcher.fetchedDates()); got != 8 {
		t.Errorf("fetched %d days, want 8", got)
	}
}

func TestRunRangeBestEffort(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 3})
	f.fetcher.fail["2024-05-18"] = &domain.PermanentFetchError{Date: "05/18/2024", StatusCode: 404, Err: errors.New("Not Found")}

	report, err := f.g.RunRange(context.Background(), date("2024-05-17"), date("2024-05-19"))
	if err != nil {
		t.Fatalf("RunRange: %v", err)
	}
	failed := report.FailedDays()
	if len(failed) != 1 || failed[0].Date.Format(util.DateLayout) != "2024-05-18" {
		t.Fatalf("failed days = %+v", failed)
	}
	if domain.Reason(failed[0].Err) != "permanent_fetch" {
		t.Errorf("reason = %s, want permanent_fetch", domain.Reason(failed[0].Err))
	}
	if report.Days[0].State != domain.DayDone || report.Days[2].State != domain.DayDone {
		t.Errorf("sibling states = %s, %s; want done", report.Days[0].State, report.Days[2].State)
	}
	if done, _ := f.ledger.IsCompleted(context.Background(), "2024-05-18"); done {
		t.Error("failed day recorded as completed")
	}
}

func TestRunRangeFailFast(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 1, FailFast: true})
	f.fetcher.fail["2024-05-18"] = &domain.PermanentFetchError{Date: "05/18/2024", StatusCode: 400, Err: errors.New("Bad Request")}

	report, err := f.g.RunRange(context.Background(), date("2024-05-17"), date("2024-05-21"))
	var pe *domain.PermanentFetchError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want the failing day's error", err)
	}
	if len(report.Days) != 5 {
		t.Fatalf("report days = %d, want 5", len(report.Days))
	}
	if report.Days[0].State != domain.DayDone {
		t.Errorf("first day state = %s, want done", report.Days[0].State)
	}
	for _, d := range report.Days[1:] {
		if d.State != domain.DayFailed {
			t.Errorf("%s state = %s, want failed", d.Date.Format(util.DateLayout), d.State)
		}
	}
	if got := f.fetcher.fetchedDates(); !slices.Equal(got, []string{"2024-05-17", "2024-05-18"}) {
		t.Errorf("fetched = %v, want the first two days only", got)
	}
}

func TestRunRangeFatalAborts(t *testing.T) {
	pool := transform.NewPool(1)
	defer pool.Close()
	fetcher := &fakeFetcher{}
	g := NewDispatchGatherer(Pipeline{
		Fetcher:  fetcher,
		Expander: pool,
		Writer:   fatalWriter{},
	}, config.Ingest{Concurrency: 1})

	report, err := g.RunRange(context.Background(), date("2024-05-17"), date("2024-05-20"))
	if !domain.IsFatal(err) {
		t.Fatalf("err = %v, want FatalConfigError", err)
	}
	if len(fetcher.fetchedDates()) != 1 {
		t.Errorf("fetched %v, want only the first day", fetcher.fetchedDates())
	}
	if len(report.FailedDays()) != 4 {
		t.Errorf("failed days = %d, want 4", len(report.FailedDays()))
	}
}

func TestRunRangeResumeSkipsCompletedDays(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 2, Resume: true})
	f.ledger.MarkCompleted(context.Background(), "2024-05-18")

	report, err := f.g.RunRange(context.Background(), date("2024-05-17"), date("2024-05-19"))
	if err != nil {
		t.Fatal(err)
	}
	if report.Days[1].State != domain.DaySkipped {
		t.Errorf("2024-05-18 state = %s, want skipped", report.Days[1].State)
	}
	if report.DaysSkipped() != 1 || report.DaysProcessed() != 2 {
		t.Errorf("skipped = %d processed = %d; want 1, 2", report.DaysSkipped(), report.DaysProcessed())
	}
	if got := f.fetcher.fetchedDates(); slices.Contains(got, "2024-05-18") {
		t.Errorf("fetched %v, resumed day should not be fetched", got)
	}
}

func TestRunRangeWithoutResumeRefetches(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 2})
	f.ledger.MarkCompleted(context.Background(), "2024-05-18")

	if _, err := f.g.RunRange(context.Background(), date("2024-05-18"), date("2024-05-18")); err != nil {
		t.Fatal(err)
	}
	if got := f.fetcher.fetchedDates(); len(got) != 1 {
		t.Errorf("fetched %v, want 2024-05-18", got)
	}
}

func TestRunRangeReversedRangeIsEmpty(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 2})
	report, err := f.g.RunRange(context.Background(), date("2024-05-19"), date("2024-05-17"))
	if err != nil {
		t.Fatalf("RunRange: %v", err)
	}
	if len(report.Days) != 0 || len(f.fetcher.fetchedDates()) != 0 {
		t.Errorf("days = %d fetched = %d, want 0, 0", len(report.Days), len(f.fetcher.fetchedDates()))
	}
}

func TestRunRangeCancelled(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.g.RunRange(ctx, date("2024-05-17"), date("2024-05-19"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(report.FailedDays()) != 3 {
		t.Errorf("failed days = %d, want 3", len(report.FailedDays()))
	}
	if f.sink.Len() != 0 {
		t.Errorf("sink holds %d observations, want 0", f.sink.Len())
	}
}

func TestRunRangeStateTransitions(t *testing.T) {
	pool := transform.NewPool(1)
	defer pool.Close()

	var mu sync.Mutex
	var states []domain.DayState
	g := NewDispatchGatherer(Pipeline{
		Fetcher:  &fakeFetcher{},
		Expander: pool,
		Writer:   store.NewBatchWriter(store.NewMemorySink(), 25, nil, nil),
		OnState: func(_ time.Time, s domain.DayState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	}, config.Ingest{Concurrency: 1})

	if _, err := g.RunRange(context.Background(), date("2024-05-17"), date("2024-05-17")); err != nil {
		t.Fatal(err)
	}
	want := []domain.DayState{domain.DayPending, domain.DayFetching, domain.DayTransforming, domain.DayWriting, domain.DayDone}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestRunUsesConfiguredRange(t *testing.T) {
	f := newFixture(t, config.Ingest{Concurrency: 2, StartDate: "2024-05-17", EndDate: "2024-05-18"})
	if err := f.g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.fetcher.fetchedDates(); !slices.Equal(got, []string{"2024-05-17", "2024-05-18"}) {
		t.Errorf("fetched = %v", got)
	}

	f = newFixture(t, config.Ingest{Concurrency: 1, StartDate: "2024-05-17", EndDate: "2024-05-17"})
	f.fetcher.fail["2024-05-17"] = &domain.TransientFetchError{Date: "05/17/2024", StatusCode: 503, Err: errors.New("Service Unavailable")}
	if err := f.g.Run(context.Background()); err == nil {
		t.Error("Run should report failed days")
	}

	f = newFixture(t, config.Ingest{Concurrency: 1, StartDate: "yesterday"})
	if err := f.g.Run(context.Background()); !domain.IsFatal(err) {
		t.Errorf("Run with bad date err = %v, want FatalConfigError", err)
	}
	if f.g.Name() != "oc-dispatch" {
		t.Errorf("Name = %s", f.g.Name())
	}
}
