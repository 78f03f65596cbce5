package oc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
	"ocdispatch/internal/gather"
	"ocdispatch/internal/metrics"
	"ocdispatch/internal/progress"
	"ocdispatch/internal/store"
	"ocdispatch/internal/util"
)

var _ gather.Gatherer = (*DispatchGatherer)(nil)

// Fetcher returns the provider records for one day and the number of
// response elements that could not be decoded as records.
type Fetcher interface {
	FetchDay(ctx context.Context, day time.Time) (recs []domain.RawDispatchRecord, skipped int, err error)
}

// Expander turns records into observations, reporting malformed records
// separately.
type Expander interface {
	ExpandAll(ctx context.Context, recs []domain.RawDispatchRecord) (obs []domain.Observation, malformed []error, err error)
}

// Writer persists a day's observations.
type Writer interface {
	WriteAll(ctx context.Context, obs []domain.Observation) (domain.WriteReport, error)
}

// Notifier announces a fully ingested day.
type Notifier interface {
	DayIngested(ctx context.Context, rep domain.DayReport) error
}

// Pipeline holds the collaborators of a DispatchGatherer. Ledger, Notifier,
// Metrics and Logger are optional.
type Pipeline struct {
	Fetcher  Fetcher
	Expander Expander
	Writer   Writer
	Ledger   progress.Ledger
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// OnState is called on every day state transition.
	OnState func(day time.Time, state domain.DayState)
}

// DispatchGatherer runs the fetch, expand and write pipeline for every day
// of a date range with a bounded number of days in flight.
type DispatchGatherer struct {
	p           Pipeline
	concurrency int
	failFast    bool
	resume      bool
	startDate   string
	endDate     string
	now         func() time.Time
	log         *slog.Logger

	mu   sync.Mutex
	last *domain.RunReport
}

// NewDispatchGatherer builds a gatherer over p configured by ingest.
func NewDispatchGatherer(p Pipeline, ingest config.Ingest) *DispatchGatherer {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	concurrency := ingest.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &DispatchGatherer{
		p:           p,
		concurrency: concurrency,
		failFast:    ingest.FailFast,
		resume:      ingest.Resume,
		startDate:   ingest.StartDate,
		endDate:     ingest.EndDate,
		now:         time.Now,
		log:         log.With("gatherer", "oc-dispatch"),
	}
}

// Name returns the gatherer identifier.
func (g *DispatchGatherer) Name() string { return "oc-dispatch" }

// Run ingests the configured date range. An empty end date means today
// (UTC) and an empty start date means the end date. It returns an error if
// the run aborted or any day failed.
func (g *DispatchGatherer) Run(ctx context.Context) error {
	r, err := gather.ParseDateRange(g.startDate, g.endDate, g.now())
	if err != nil {
		return domain.Fatal("config", err)
	}
	report, err := g.RunRange(ctx, r.Start, r.End)
	if err != nil {
		return err
	}
	if failed := report.FailedDays(); len(failed) > 0 {
		return fmt.Errorf("%d of %d days failed", len(failed), len(report.Days))
	}
	return nil
}

// LastReport returns the report of the most recent RunRange, or nil.
func (g *DispatchGatherer) LastReport() *domain.RunReport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// RunRange ingests every day from start to end inclusive. Days run
// independently: a failed day is recorded in the report and its siblings
// continue, unless fail-fast is set. A FatalConfigError from any day
// aborts the run.
//
// The returned error is non-nil only when the run was aborted (fatal
// error, fail-fast or cancellation of ctx); the report is always returned
// and covers every day of the range.
func (g *DispatchGatherer) RunRange(ctx context.Context, start, end time.Time) (*domain.RunReport, error) {
	began := time.Now()
	days := util.Days(start, end)
	report := &domain.RunReport{
		Start: util.Truncate(start),
		End:   util.Truncate(end),
		Days:  make([]domain.DayReport, len(days)),
	}
	defer func() {
		report.Duration = time.Since(began)
		g.mu.Lock()
		g.last = report
		g.mu.Unlock()
	}()

	if len(days) == 0 {
		g.log.Info("empty date range", "start", start.Format(util.DateLayout), "end", end.Format(util.DateLayout))
		return report, nil
	}
	g.log.Info("run starting",
		"start", days[0].Format(util.DateLayout),
		"end", days[len(days)-1].Format(util.DateLayout),
		"days", len(days),
		"concurrency", g.concurrency,
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)

	next := 0
	for ; next < len(days); next++ {
		if egCtx.Err() != nil {
			break
		}
		i, day := next, days[next]
		eg.Go(func() error {
			if egCtx.Err() != nil {
				report.Days[i] = notStarted(egCtx, day)
				return nil
			}
			rep := g.runDay(egCtx, day)
			report.Days[i] = rep
			if rep.State != domain.DayFailed {
				return nil
			}
			if domain.IsFatal(rep.Err) || (g.failFast && ctx.Err() == nil) {
				return rep.Err
			}
			return nil
		})
	}
	waitErr := eg.Wait()
	for ; next < len(days); next++ {
		report.Days[next] = notStarted(egCtx, days[next])
	}

	g.log.Info("run finished",
		"days", len(report.Days),
		"processed", report.DaysProcessed(),
		"failed", len(report.FailedDays()),
		"skipped", report.DaysSkipped(),
		"written", report.ObservationsWritten(),
		"notWritten", report.ObservationsFailed(),
		"elapsed", time.Since(began).Round(time.Millisecond),
	)

	switch {
	case waitErr != nil:
		return report, waitErr
	case ctx.Err() != nil:
		return report, ctx.Err()
	}
	return report, nil
}

func notStarted(ctx context.Context, day time.Time) domain.DayReport {
	return domain.DayReport{
		Date:  day,
		State: domain.DayFailed,
		Err:   fmt.Errorf("not started: %w", context.Cause(ctx)),
	}
}

// runDay drives one day through its states and returns its report.
func (g *DispatchGatherer) runDay(ctx context.Context, day time.Time) (rep domain.DayReport) {
	date := day.Format(util.DateLayout)
	log := g.log.With("date", date)
	rep = domain.DayReport{Date: day, State: domain.DayPending}
	g.transition(&rep, domain.DayPending)

	if g.resume && g.p.Ledger != nil {
		done, err := g.p.Ledger.IsCompleted(ctx, date)
		if err != nil {
			log.Warn("progress lookup failed, ingesting anyway", "error", err)
		} else if done {
			log.Info("already ingested, skipping")
			g.transition(&rep, domain.DaySkipped)
			g.p.Metrics.DayFinished(string(domain.DaySkipped), 0)
			return rep
		}
	}

	began := time.Now()
	g.p.Metrics.DayStarted()
	defer func() {
		rep.Duration = time.Since(began)
		g.p.Metrics.DayFinished(string(rep.State), rep.Duration)
	}()

	g.transition(&rep, domain.DayFetching)
	recs, skipped, err := g.p.Fetcher.FetchDay(ctx, day)
	if err != nil {
		return g.fail(log, rep, "fetch", err)
	}
	rep.Records = len(recs) + skipped

	g.transition(&rep, domain.DayTransforming)
	obs, malformed, err := g.p.Expander.ExpandAll(ctx, recs)
	if err != nil {
		return g.fail(log, rep, "expand", err)
	}
	rep.Malformed = skipped + len(malformed)
	rep.Observations = len(obs)
	for _, m := range malformed {
		log.Warn("skipping malformed record", "error", m)
	}
	g.p.Metrics.Malformed(len(malformed))

	g.transition(&rep, domain.DayWriting)
	rep.Write, err = g.p.Writer.WriteAll(ctx, obs)
	if err == nil {
		err = store.Err(rep.Write)
	}
	if err != nil {
		return g.fail(log, rep, "write", err)
	}

	g.transition(&rep, domain.DayDone)
	log.Info("day ingested",
		"records", rep.Records,
		"malformed", rep.Malformed,
		"observations", rep.Observations,
		"written", rep.Write.Succeeded,
		"batches", rep.Write.Batches,
	)

	if g.p.Ledger != nil {
		if err := g.p.Ledger.MarkCompleted(ctx, date); err != nil {
			log.Warn("recording progress failed", "error", err)
		}
	}
	if g.p.Notifier != nil {
		if err := g.p.Notifier.DayIngested(ctx, rep); err != nil {
			log.Warn("publishing day-ingested event failed", "error", err)
		}
	}
	return rep
}

func (g *DispatchGatherer) fail(log *slog.Logger, rep domain.DayReport, stage string, err error) domain.DayReport {
	rep.Err = fmt.Errorf("%s: %w", stage, err)
	g.transition(&rep, domain.DayFailed)

	level := slog.LevelError
	if errors.Is(err, context.Canceled) {
		level = slog.LevelWarn
	}
	log.Log(context.Background(), level, "day failed",
		"stage", stage,
		"reason", domain.Reason(err),
		"records", rep.Records,
		"written", rep.Write.Succeeded,
		"notWritten", rep.Write.Failed+rep.Write.Skipped,
		"error", err,
	)
	return rep
}

func (g *DispatchGatherer) transition(rep *domain.DayReport, s domain.DayState) {
	rep.State = s
	if !s.Terminal() && s != domain.DayPending {
		g.log.Debug("day state", "date", rep.Date.Format(util.DateLayout), "state", s)
	}
	if g.p.OnState != nil {
		g.p.OnState(rep.Date, s)
	}
}
