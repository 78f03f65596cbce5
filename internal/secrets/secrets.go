// Package secrets resolves named credential sets from the environment, a
// YAML file or AWS Secrets Manager.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
)

// Provider looks up a secret by name and returns its key/value pairs.
type Provider interface {
	Lookup(ctx context.Context, name string) (map[string]string, error)
}

// Open builds the provider selected by cfg.Provider.
func Open(ctx context.Context, cfg config.Secrets) (Provider, error) {
	switch cfg.Provider {
	case "", "env":
		return EnvProvider{}, nil
	case "file":
		return NewFileProvider(cfg.File)
	case "aws":
		p, err := NewAWSProvider(ctx, cfg.Region)
		if err != nil {
			return nil, domain.Fatal("secrets", err)
		}
		return p, nil
	default:
		return nil, domain.Fatal("secrets", fmt.Errorf("unknown secrets provider %q", cfg.Provider))
	}
}

// EnvProvider reads NAME_KEY environment variables. The secret name is
// upper-cased with '-', '/' and '.' mapped to '_'; keys come back lower
// case. For example OC_SINK_AWS_ACCESS_KEY_ID is key aws_access_key_id of
// secret "oc-sink".
type EnvProvider struct {
	// Environ defaults to os.Environ.
	Environ func() []string
}

func (p EnvProvider) Lookup(_ context.Context, name string) (map[string]string, error) {
	environ := p.Environ
	if environ == nil {
		environ = os.Environ
	}
	prefix := envPrefix(name)
	out := map[string]string{}
	for _, kv := range environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || len(k) == len(prefix) {
			continue
		}
		out[strings.ToLower(k[len(prefix):])] = v
	}
	if len(out) == 0 {
		return nil, domain.Fatal("secrets", fmt.Errorf("no %s* variables for secret %q", prefix, name))
	}
	return out, nil
}

func envPrefix(name string) string {
	r := strings.NewReplacer("-", "_", "/", "_", ".", "_")
	return strings.ToUpper(r.Replace(name)) + "_"
}

// FileProvider serves secrets from a YAML document mapping each secret name
// to its key/value pairs.
type FileProvider struct {
	secrets map[string]map[string]string
}

// NewFileProvider reads and parses path.
func NewFileProvider(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.Fatal("secrets", fmt.Errorf("reading secrets file: %w", err))
	}
	var secrets map[string]map[string]string
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, domain.Fatal("secrets", fmt.Errorf("parsing secrets file %s: %w", path, err))
	}
	return &FileProvider{secrets: secrets}, nil
}

func (p *FileProvider) Lookup(_ context.Context, name string) (map[string]string, error) {
	s, ok := p.secrets[name]
	if !ok {
		return nil, domain.Fatal("secrets", fmt.Errorf("secret %q not found", name))
	}
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// ApplyToSink overlays credential values onto the sink configuration.
// Recognised keys: aws_access_key_id, aws_secret_access_key, region, dsn,
// access_key and secret_key. Unknown keys are ignored.
func ApplyToSink(sink *config.Sink, values map[string]string) {
	set := func(dst *string, key string) {
		if v, ok := values[key]; ok && v != "" {
			*dst = v
		}
	}
	set(&sink.DynamoDB.AccessKeyID, "aws_access_key_id")
	set(&sink.DynamoDB.SecretAccessKey, "aws_secret_access_key")
	set(&sink.DynamoDB.Region, "region")
	set(&sink.Postgres.DSN, "dsn")
	set(&sink.S3.AccessKey, "access_key")
	set(&sink.S3.SecretKey, "secret_key")
}
