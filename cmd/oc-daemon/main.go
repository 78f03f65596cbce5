// Long-running service: ingests the trailing window of days on a fixed
// interval and serves /healthz, /metrics and /api/runs/latest plus the
// gRPC health service.
package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ocdispatch/internal/app"
	"ocdispatch/internal/config"
	"ocdispatch/internal/util"
)

func main() {
	cfg, err := config.LoadDefault()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logFile, err := util.OpenLogFile(cfg.Logging.Dir, "oc-daemon", time.Now())
	if err != nil {
		log.Fatalf("%v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, io.MultiWriter(os.Stdout, logFile))
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	cancel()
	logFile.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer a.Close()

	logger.Info("oc-daemon starting",
		"version", app.Version,
		"port", cfg.Server.Port,
		"grpcPort", cfg.Server.GRPCPort,
		"interval", cfg.Server.Interval,
		"lookbackDays", cfg.Server.LookbackDays,
	)
	if err := a.RunDaemon(ctx); err != nil {
		logger.Error("daemon stopped", "error", err)
		return err
	}
	logger.Info("oc-daemon stopped")
	return nil
}
