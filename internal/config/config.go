package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ocdispatch/internal/domain"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "OCDISPATCH_CONFIG"

// DefaultPath is used when EnvPath is unset.
const DefaultPath = "config/ocdispatch.yaml"

// MaxBatchSize is the largest batch any sink accepts in one request.
const MaxBatchSize = 25

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for ocdispatch.
type Config struct {
	Source   Source   `yaml:"source"`
	Ingest   Ingest   `yaml:"ingest"`
	Sink     Sink     `yaml:"sink"`
	Secrets  Secrets  `yaml:"secrets"`
	Progress Progress `yaml:"progress"`
	Notify   Notify   `yaml:"notify"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
}

// Source configures the provider API and the fetch retry policy.
type Source struct {
	Endpoint        string        `yaml:"endpoint"`
	EnvelopeKey     string        `yaml:"envelope_key"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	UserAgent       string        `yaml:"user_agent"`
}

// Ingest holds the date-range job parameters.
type Ingest struct {
	StartDate        string `yaml:"start_date"`
	EndDate          string `yaml:"end_date"`
	Concurrency      int    `yaml:"concurrency"`
	TransformWorkers int    `yaml:"transform_workers"`
	BatchSize        int    `yaml:"batch_size"`
	FailFast         bool   `yaml:"fail_fast"`
	Resume           bool   `yaml:"resume"`
}

// Sink selects and configures the observation destination.
type Sink struct {
	Kind       string `yaml:"kind"` // memory, sqlite, postgres, parquet, json, s3, dynamodb
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// Secret names the secret holding sink credentials; empty uses the
	// values below as-is.
	Secret   string         `yaml:"secret"`
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

// PostgresConfig configures the postgres sink.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Table    string `yaml:"table"`
	MaxConns int32  `yaml:"max_conns"`
}

// S3Config configures the S3-compatible object store sink.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DynamoDBConfig configures the DynamoDB sink.
type DynamoDBConfig struct {
	Table           string `yaml:"table"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Secrets selects the credential provider.
type Secrets struct {
	Provider string `yaml:"provider"` // env, file, aws
	File     string `yaml:"file"`
	Region   string `yaml:"region"`
}

// Progress configures the completed-day ledger used by resume mode.
type Progress struct {
	Kind          string        `yaml:"kind"` // none, file, redis
	Dir           string        `yaml:"dir"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

// Notify configures day-ingested event publishing. An empty AMQPURL
// disables it.
type Notify struct {
	AMQPURL string `yaml:"amqp_url"`
	Queue   string `yaml:"queue"`
}

// Server holds daemon listener and scheduling configuration.
type Server struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	GRPCPort     int           `yaml:"grpc_port"`
	Interval     time.Duration `yaml:"interval"`
	LookbackDays int           `yaml:"lookback_days"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"` // log file directory; empty uses os.TempDir()
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a Config with every field at its documented default.
func Default() *Config {
	return &Config{
		Source: Source{
			Endpoint:       "https://apps.oc.org.do/wsOCWebsiteChart/Service.asmx/GetPostDespachoJSon",
			EnvelopeKey:    "GetPostDespacho",
			RequestTimeout: 10 * time.Second,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			UserAgent:      "ocdispatch/1.0",
		},
		Ingest: Ingest{
			Concurrency: 4,
			BatchSize:   MaxBatchSize,
		},
		Sink: Sink{
			Kind:    "memory",
			DataDir: "data",
			Postgres: PostgresConfig{
				Table:    "observations",
				MaxConns: 10,
			},
			S3: S3Config{
				Prefix: "observations",
				UseSSL: true,
			},
			DynamoDB: DynamoDBConfig{
				Table:  "basic_electrical_generation_data_dom_rep",
				Region: "us-east-1",
			},
		},
		Secrets: Secrets{
			Provider: "env",
		},
		Progress: Progress{
			Kind:      "none",
			Dir:       "data/progress",
			KeyPrefix: "ocdispatch:progress:",
		},
		Notify: Notify{
			Queue: "ocdispatch.day_ingested",
		},
		Server: Server{
			Host:         "0.0.0.0",
			Port:         8080,
			GRPCPort:     9090,
			Interval:     time.Hour,
			LookbackDays: 2,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config file path from EnvPath, or DefaultPath.
func Path() string {
	if v := os.Getenv(EnvPath); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over the
// defaults, then applies environment variable overrides. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads Path(). A missing file at DefaultPath is not an error;
// a missing file named by EnvPath is.
func LoadDefault() (*Config, error) {
	path := Path()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && os.Getenv(EnvPath) == "" {
		path = ""
	}
	return Load(path)
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"OC_ENDPOINT":      &cfg.Source.Endpoint,
		"OC_START_DATE":    &cfg.Ingest.StartDate,
		"OC_END_DATE":      &cfg.Ingest.EndDate,
		"SINK_KIND":        &cfg.Sink.Kind,
		"SINK_SECRET":      &cfg.Sink.Secret,
		"DATA_DIR":         &cfg.Sink.DataDir,
		"SQLITE_PATH":      &cfg.Sink.SQLitePath,
		"DATABASE_URL":     &cfg.Sink.Postgres.DSN,
		"S3_ENDPOINT":      &cfg.Sink.S3.Endpoint,
		"S3_BUCKET":        &cfg.Sink.S3.Bucket,
		"S3_ACCESS_KEY":    &cfg.Sink.S3.AccessKey,
		"S3_SECRET_KEY":    &cfg.Sink.S3.SecretKey,
		"DYNAMODB_TABLE":   &cfg.Sink.DynamoDB.Table,
		"SECRETS_PROVIDER": &cfg.Secrets.Provider,
		"PROGRESS_KIND":    &cfg.Progress.Kind,
		"REDIS_ADDR":       &cfg.Progress.RedisAddr,
		"REDIS_PASSWORD":   &cfg.Progress.RedisPassword,
		"AMQP_URL":         &cfg.Notify.AMQPURL,
		"LOG_LEVEL":        &cfg.Logging.Level,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// AWS_REGION is the SDK's canonical name; it applies to every AWS client.
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Sink.DynamoDB.Region = v
		cfg.Secrets.Region = v
	}

	if v := os.Getenv("OC_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return domain.Fatal("config", fmt.Errorf("OC_CONCURRENCY=%q: %w", v, err))
		}
		cfg.Ingest.Concurrency = n
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var (
	sinkKinds     = []string{"memory", "sqlite", "postgres", "parquet", "json", "s3", "dynamodb"}
	progressKinds = []string{"none", "file", "redis"}
	secretKinds   = []string{"env", "file", "aws"}
)

// Validate reports every invalid setting at once as a FatalConfigError.
// Dates are optional here; commands that need them check separately.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Source.Endpoint == "" {
		bad("source.endpoint is required")
	}
	if c.Source.EnvelopeKey == "" {
		bad("source.envelope_key is required")
	}
	if c.Source.MaxAttempts < 1 {
		bad("source.max_attempts must be positive, got %d", c.Source.MaxAttempts)
	}
	if c.Source.RequestTimeout <= 0 {
		bad("source.request_timeout must be positive")
	}
	if c.Source.InitialBackoff < 0 || c.Source.MaxBackoff < c.Source.InitialBackoff {
		bad("source backoff must satisfy 0 <= initial_backoff <= max_backoff")
	}

	if c.Ingest.Concurrency < 1 {
		bad("ingest.concurrency must be positive, got %d", c.Ingest.Concurrency)
	}
	if c.Ingest.BatchSize < 1 || c.Ingest.BatchSize > MaxBatchSize {
		bad("ingest.batch_size must be in 1..%d, got %d", MaxBatchSize, c.Ingest.BatchSize)
	}
	for name, v := range map[string]string{"start_date": c.Ingest.StartDate, "end_date": c.Ingest.EndDate} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", v); err != nil {
			bad("ingest.%s %q is not YYYY-MM-DD", name, v)
		}
	}

	if !slices.Contains(sinkKinds, c.Sink.Kind) {
		bad("sink.kind %q is not one of %s", c.Sink.Kind, strings.Join(sinkKinds, ", "))
	}
	switch c.Sink.Kind {
	case "sqlite":
		if c.Sink.SQLitePath == "" {
			bad("sink.sqlite_path is required for the sqlite sink")
		}
	case "parquet", "json":
		if c.Sink.DataDir == "" {
			bad("sink.data_dir is required for the %s sink", c.Sink.Kind)
		}
	case "postgres":
		if c.Sink.Postgres.DSN == "" && c.Sink.Secret == "" {
			bad("sink.postgres.dsn or sink.secret is required for the postgres sink")
		}
	case "s3":
		if c.Sink.S3.Endpoint == "" || c.Sink.S3.Bucket == "" {
			bad("sink.s3.endpoint and sink.s3.bucket are required for the s3 sink")
		}
	case "dynamodb":
		if c.Sink.DynamoDB.Table == "" {
			bad("sink.dynamodb.table is required for the dynamodb sink")
		}
	}

	if !slices.Contains(secretKinds, c.Secrets.Provider) {
		bad("secrets.provider %q is not one of %s", c.Secrets.Provider, strings.Join(secretKinds, ", "))
	}
	if c.Secrets.Provider == "file" && c.Secrets.File == "" {
		bad("secrets.file is required for the file provider")
	}

	if !slices.Contains(progressKinds, c.Progress.Kind) {
		bad("progress.kind %q is not one of %s", c.Progress.Kind, strings.Join(progressKinds, ", "))
	}
	if c.Progress.Kind == "redis" && c.Progress.RedisAddr == "" {
		bad("progress.redis_addr is required for the redis ledger")
	}
	if c.Ingest.Resume && c.Progress.Kind == "none" {
		bad("ingest.resume requires a progress ledger")
	}

	if err := errors.Join(errs...); err != nil {
		return domain.Fatal("config", err)
	}
	return nil
}
