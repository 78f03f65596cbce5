package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"ocdispatch/internal/domain"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads JSON object secrets from AWS Secrets Manager.
type AWSProvider struct {
	api SecretsManagerAPI
}

// NewAWSProvider builds a client from the default credential chain.
func NewAWSProvider(ctx context.Context, region string) (*AWSProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewAWSProviderWithAPI(secretsmanager.NewFromConfig(cfg)), nil
}

// NewAWSProviderWithAPI wraps an existing client.
func NewAWSProviderWithAPI(api SecretsManagerAPI) *AWSProvider {
	return &AWSProvider{api: api}
}

// Lookup fetches name and decodes its SecretString as a JSON object.
// Non-string values are rendered with their JSON text.
func (p *AWSProvider) Lookup(ctx context.Context, name string) (map[string]string, error) {
	out, err := p.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		return nil, domain.Fatal("secrets", fmt.Errorf("getting secret %s: %w", name, err))
	}
	if out.SecretString == nil {
		return nil, domain.Fatal("secrets", fmt.Errorf("secret %s has no string value", name))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(*out.SecretString), &raw); err != nil {
		return nil, domain.Fatal("secrets", fmt.Errorf("decoding secret %s: %w", name, err))
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			values[k] = s
			continue
		}
		values[k] = string(v)
	}
	return values, nil
}
