// Package app wires the ingestion pipeline from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ocdispatch/internal/api"
	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
	"ocdispatch/internal/gather/oc"
	"ocdispatch/internal/metrics"
	"ocdispatch/internal/notify"
	"ocdispatch/internal/progress"
	"ocdispatch/internal/secrets"
	"ocdispatch/internal/store"
	"ocdispatch/internal/transform"
	"ocdispatch/internal/util"
)

// Version is set at build time with -ldflags "-X ocdispatch/internal/app.Version=...".
var Version = "dev"

// App holds the wired pipeline components.
type App struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Sink     store.ObservationSink
	Ledger   progress.Ledger
	Gatherer *oc.DispatchGatherer

	pool     *transform.Pool
	notifier *notify.Publisher
	log      *slog.Logger
	now      func() time.Time
}

// Option customises New.
type Option func(*appOptions)

type appOptions struct {
	clientOpts []oc.ClientOption
	secrets    secrets.Provider
}

// WithClientOptions passes extra options to the provider client.
func WithClientOptions(opts ...oc.ClientOption) Option {
	return func(o *appOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// WithSecrets replaces the configured secrets provider.
func WithSecrets(p secrets.Provider) Option {
	return func(o *appOptions) { o.secrets = p }
}

// New resolves sink credentials, opens the sink, ledger and notifier and
// builds the gatherer. Errors are FatalConfigErrors.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Sink.Secret != "" {
		p := o.secrets
		if p == nil {
			var err error
			if p, err = secrets.Open(ctx, cfg.Secrets); err != nil {
				return nil, err
			}
		}
		values, err := p.Lookup(ctx, cfg.Sink.Secret)
		if err != nil {
			return nil, domain.Fatal("secrets", err)
		}
		secrets.ApplyToSink(&cfg.Sink, values)
		logger.Info("sink credentials resolved", "secret", cfg.Sink.Secret, "provider", cfg.Secrets.Provider)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	m.SetInfo(Version, "ocdispatch")

	a := &App{
		Config:   cfg,
		Registry: reg,
		Metrics:  m,
		log:      logger,
		now:      time.Now,
	}

	var err error
	if a.Sink, err = store.Open(ctx, cfg.Sink); err != nil {
		return nil, err
	}
	if a.Ledger, err = progress.Open(cfg.Progress); err != nil {
		a.Close()
		return nil, err
	}
	if a.notifier, err = notify.Open(ctx, cfg.Notify, logger); err != nil {
		a.Close()
		return nil, err
	}

	a.pool = transform.NewPool(cfg.Ingest.TransformWorkers)
	clientOpts := append([]oc.ClientOption{oc.WithMetrics(m), oc.WithLogger(logger)}, o.clientOpts...)

	p := oc.Pipeline{
		Fetcher:  oc.NewClient(cfg.Source, clientOpts...),
		Expander: a.pool,
		Writer:   store.NewBatchWriter(a.Sink, cfg.Ingest.BatchSize, m, logger),
		Ledger:   a.Ledger,
		Metrics:  m,
		Logger:   logger,
	}
	if a.notifier != nil {
		p.Notifier = a.notifier
	}
	a.Gatherer = oc.NewDispatchGatherer(p, cfg.Ingest)

	logger.Info("pipeline ready",
		"sink", cfg.Sink.Kind,
		"progress", cfg.Progress.Kind,
		"notify", a.notifier != nil,
		"concurrency", cfg.Ingest.Concurrency,
		"transformWorkers", a.pool.Workers(),
	)
	return a, nil
}

// RunDaemon serves the operational endpoints and ingests the trailing
// window of Server.LookbackDays days every Server.Interval, starting
// immediately. It returns when ctx is cancelled or a run hits a fatal
// error.
func (a *App) RunDaemon(ctx context.Context) error {
	srv := api.NewServer(a.Config.Server, a.Gatherer, a.Registry, a.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error {
		err := a.Schedule(gctx)
		if domain.IsFatal(err) {
			srv.SetServing(false)
		}
		return err
	})
	err := g.Wait()
	if ctx.Err() != nil && !domain.IsFatal(err) {
		return nil
	}
	return err
}

// Schedule runs the trailing window now and then on every tick. Failed
// days are retried on the next tick; only fatal errors stop the loop.
func (a *App) Schedule(ctx context.Context) error {
	interval := a.Config.Server.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.RunTrailing(ctx); domain.IsFatal(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunTrailing ingests the Server.LookbackDays days ending today (UTC).
func (a *App) RunTrailing(ctx context.Context) error {
	start, end := util.Trailing(a.now().UTC(), a.Config.Server.LookbackDays)
	report, err := a.Gatherer.RunRange(ctx, start, end)
	if err != nil {
		a.log.Error("scheduled run aborted", "error", err)
		return err
	}
	if failed := report.FailedDays(); len(failed) > 0 {
		a.log.Warn("scheduled run finished with failures", "failed", len(failed), "days", len(report.Days))
		return fmt.Errorf("%d of %d days failed", len(failed), len(report.Days))
	}
	return nil
}

// Close releases the pool, notifier, ledger and sink.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.log.Warn("closing notifier", "error", err)
		}
	}
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			a.log.Warn("closing progress ledger", "error", err)
		}
	}
	if a.Sink != nil {
		if err := a.Sink.Close(); err != nil {
			a.log.Warn("closing sink", "error", err)
		}
	}
}
