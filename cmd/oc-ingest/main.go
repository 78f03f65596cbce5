// One-shot job: ingest OC dispatch reports for an inclusive date range and
// print a run report.
//
// Usage:
//
//	go run ./cmd/oc-ingest -start 2024-05-01 -end 2024-05-31 [-concurrency 4] [-sink sqlite] [-resume] [-fail-fast]
//
// Exit status is 0 when every day was ingested, 1 when some days failed
// and 2 when the run aborted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ocdispatch/internal/app"
	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
	"ocdispatch/internal/gather"
	"ocdispatch/internal/util"
)

func main() {
	cfgPath := flag.String("config", config.Path(), "config file path")
	start := flag.String("start", "", "first date YYYY-MM-DD (default: end date)")
	end := flag.String("end", "", "last date YYYY-MM-DD, inclusive (default: today UTC)")
	concurrency := flag.Int("concurrency", 0, "max days in flight (0 = config)")
	sink := flag.String("sink", "", "sink kind override")
	resume := flag.Bool("resume", false, "skip days recorded in the progress ledger")
	failFast := flag.Bool("fail-fast", false, "abort the run on the first failed day")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *start != "" {
		cfg.Ingest.StartDate = *start
	}
	if *end != "" {
		cfg.Ingest.EndDate = *end
	}
	if *concurrency != 0 {
		cfg.Ingest.Concurrency = *concurrency
	}
	if *sink != "" {
		cfg.Sink.Kind = *sink
	}
	cfg.Ingest.Resume = cfg.Ingest.Resume || *resume
	cfg.Ingest.FailFast = cfg.Ingest.FailFast || *failFast
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logFile, err := util.OpenLogFile(cfg.Logging.Dir, "oc-ingest", time.Now())
	if err != nil {
		log.Fatalf("%v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, io.MultiWriter(os.Stdout, logFile))
	util.SetDefault(logger)

	r, err := gather.ParseDateRange(cfg.Ingest.StartDate, cfg.Ingest.EndDate, time.Now())
	if err != nil {
		log.Fatalf("date range: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, r, logger)
	cancel()
	logFile.Close()
	os.Exit(code)
}

// run ingests r and returns the process exit status.
func run(ctx context.Context, cfg *config.Config, r gather.DateRange, logger *slog.Logger) int {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "reason", domain.Reason(err), "error", err)
		return 2
	}
	defer a.Close()

	report, runErr := a.Gatherer.RunRange(ctx, r.Start, r.End)
	printReport(os.Stdout, report)

	switch {
	case runErr != nil:
		logger.Error("run aborted", "reason", domain.Reason(runErr), "error", runErr)
		return 2
	case len(report.FailedDays()) > 0:
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == config.DefaultPath {
		return config.LoadDefault()
	}
	return config.Load(path)
}

func printReport(w io.Writer, r *domain.RunReport) {
	fmt.Fprintf(w, "\nRun %s..%s (%s)\n",
		r.Start.Format(util.DateLayout), r.End.Format(util.DateLayout), r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  days:         %d processed, %d failed, %d skipped\n",
		r.DaysProcessed(), len(r.FailedDays()), r.DaysSkipped())
	fmt.Fprintf(w, "  observations: %d written, %d not written\n",
		r.ObservationsWritten(), r.ObservationsFailed())
	for _, d := range r.FailedDays() {
		fmt.Fprintf(w, "  FAILED %s [%s] %v\n", d.Date.Format(util.DateLayout), domain.Reason(d.Err), d.Err)
	}
}
