package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ocdispatch/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ocdispatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
source:
  endpoint: "http://localhost:9999/dispatch"
  request_timeout: "3s"
  max_attempts: 3
  initial_backoff: "500ms"
  max_backoff: "4s"
  rate_limit_per_min: 120
ingest:
  start_date: "2024-05-01"
  end_date: "2024-05-31"
  concurrency: 8
  batch_size: 20
  fail_fast: true
sink:
  kind: "sqlite"
  sqlite_path: "/tmp/ocdispatch/observations.db"
progress:
  kind: "file"
  dir: "/tmp/ocdispatch/progress"
server:
  port: 8181
  interval: "30m"
logging:
  level: "debug"
  format: "text"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Source --
	if cfg.Source.Endpoint != "http://localhost:9999/dispatch" {
		t.Errorf("Source.Endpoint = %q", cfg.Source.Endpoint)
	}
	if cfg.Source.RequestTimeout != 3*time.Second {
		t.Errorf("Source.RequestTimeout = %v, want 3s", cfg.Source.RequestTimeout)
	}
	if cfg.Source.InitialBackoff != 500*time.Millisecond {
		t.Errorf("Source.InitialBackoff = %v, want 500ms", cfg.Source.InitialBackoff)
	}
	if cfg.Source.MaxAttempts != 3 {
		t.Errorf("Source.MaxAttempts = %d, want 3", cfg.Source.MaxAttempts)
	}
	// Not set in the file, so the default survives.
	if cfg.Source.EnvelopeKey != "GetPostDespacho" {
		t.Errorf("Source.EnvelopeKey = %q, want GetPostDespacho", cfg.Source.EnvelopeKey)
	}

	// -- Ingest --
	if cfg.Ingest.Concurrency != 8 {
		t.Errorf("Ingest.Concurrency = %d, want 8", cfg.Ingest.Concurrency)
	}
	if cfg.Ingest.BatchSize != 20 {
		t.Errorf("Ingest.BatchSize = %d, want 20", cfg.Ingest.BatchSize)
	}
	if !cfg.Ingest.FailFast {
		t.Error("Ingest.FailFast = false, want true")
	}

	// -- Sink / progress / server / logging --
	if cfg.Sink.Kind != "sqlite" || cfg.Sink.SQLitePath != "/tmp/ocdispatch/observations.db" {
		t.Errorf("Sink = %+v", cfg.Sink)
	}
	if cfg.Progress.Kind != "file" {
		t.Errorf("Progress.Kind = %q, want file", cfg.Progress.Kind)
	}
	if cfg.Server.Port != 8181 || cfg.Server.Interval != 30*time.Minute {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server.GRPCPort = %d, want default 9090", cfg.Server.GRPCPort)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
ingest:
  concurrency: 2
sink:
  kind: "json"
  data_dir: "/original/data"
`)
	t.Setenv("OC_CONCURRENCY", "6")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Ingest.Concurrency != 6 {
		t.Errorf("Ingest.Concurrency = %d, want 6 (env override)", cfg.Ingest.Concurrency)
	}
	if cfg.Sink.DataDir != "/env/data" {
		t.Errorf("Sink.DataDir = %q, want /env/data (env override)", cfg.Sink.DataDir)
	}
	// kind should remain from YAML since no env override was set.
	if cfg.Sink.Kind != "json" {
		t.Errorf("Sink.Kind = %q, want json (from YAML)", cfg.Sink.Kind)
	}
	if cfg.Sink.DynamoDB.Region != "eu-west-1" || cfg.Secrets.Region != "eu-west-1" {
		t.Errorf("AWS_REGION not applied: dynamodb=%q secrets=%q", cfg.Sink.DynamoDB.Region, cfg.Secrets.Region)
	}
}

func TestLoadBadConcurrencyEnvIsFatal(t *testing.T) {
	t.Setenv("OC_CONCURRENCY", "many")
	_, err := Load("")
	if !domain.IsFatal(err) {
		t.Errorf("Load() err = %v, want FatalConfigError", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestLoadDefaultWithoutFile(t *testing.T) {
	t.Setenv(EnvPath, "")
	t.Chdir(t.TempDir())

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() = %v", err)
	}
	if cfg.Ingest.Concurrency != 4 || cfg.Ingest.BatchSize != 25 {
		t.Errorf("defaults not applied: %+v", cfg.Ingest)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Ingest.Concurrency = 0
	cfg.Ingest.BatchSize = 100
	cfg.Ingest.StartDate = "05/01/2024"
	cfg.Sink.Kind = "cassandra"
	cfg.Ingest.Resume = true

	err := cfg.Validate()
	var fe *domain.FatalConfigError
	if !errors.As(err, &fe) {
		t.Fatalf("Validate() = %v, want FatalConfigError", err)
	}
	for _, want := range []string{"concurrency", "batch_size", "start_date", "sink.kind", "resume"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func TestValidateSinkRequirements(t *testing.T) {
	cases := map[string]func(*Config){
		"sqlite":   func(c *Config) { c.Sink.Kind = "sqlite" },
		"postgres": func(c *Config) { c.Sink.Kind = "postgres" },
		"s3":       func(c *Config) { c.Sink.Kind = "s3" },
		"redis":    func(c *Config) { c.Progress.Kind = "redis" },
		"secrets":  func(c *Config) { c.Secrets.Provider = "file" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", name)
		}
	}
}
