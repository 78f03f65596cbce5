package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
	"ocdispatch/internal/util"
)

var _ ObservationSink = (*DynamoDBSink)(nil)

// DynamoAPI is the subset of the DynamoDB client used by DynamoDBSink.
type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBSink writes observations with BatchWriteItem. PutRequest replaces
// any item with the same id, which makes the write an upsert.
type DynamoDBSink struct {
	api   DynamoAPI
	table string
	// unprocessed items are re-sent under this policy
	resend util.Backoff
}

// NewDynamoDBSink builds a client from cfg and verifies the table exists.
// Static credentials are used when cfg carries them; otherwise the default
// AWS credential chain applies.
func NewDynamoDBSink(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoDBSink, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoDBSinkWithAPI(ctx, client, cfg.Table)
}

// NewDynamoDBSinkWithAPI wraps an existing client.
func NewDynamoDBSinkWithAPI(ctx context.Context, api DynamoAPI, table string) (*DynamoDBSink, error) {
	if _, err := api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}); err != nil {
		return nil, fmt.Errorf("describing table %s: %w", table, err)
	}
	return &DynamoDBSink{
		api:    api,
		table:  table,
		resend: util.Backoff{MaxAttempts: 4, Initial: 100 * time.Millisecond, Max: time.Second},
	}, nil
}

// UpsertBatch sends up to 25 PutRequests. Items DynamoDB leaves unprocessed
// are re-sent with backoff; those still unprocessed are returned as failed.
func (s *DynamoDBSink) UpsertBatch(ctx context.Context, batch []domain.Observation) ([]string, error) {
	if len(batch) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds the %d item limit", len(batch), MaxBatchSize)
	}
	pending := make([]types.WriteRequest, len(batch))
	for i, o := range batch {
		pending[i] = types.WriteRequest{PutRequest: &types.PutRequest{Item: dynamoItem(o)}}
	}

	sleep := s.resend.Sleep
	if sleep == nil {
		sleep = util.SleepContext
	}

	for attempt := 1; ; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: pending},
		})
		if err != nil {
			if attempt == 1 {
				return nil, err
			}
			// Earlier attempts landed; only the residue failed.
			return requestIDs(pending), nil
		}
		pending = out.UnprocessedItems[s.table]
		if len(pending) == 0 {
			return nil, nil
		}
		if attempt >= s.resend.MaxAttempts {
			return requestIDs(pending), nil
		}
		if err := sleep(ctx, s.resend.Delay(attempt)); err != nil {
			return requestIDs(pending), nil
		}
	}
}

func (s *DynamoDBSink) Close() error { return nil }

func dynamoItem(o domain.Observation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":          &types.AttributeValueMemberS{Value: o.ID},
		"group":       &types.AttributeValueMemberS{Value: o.Group},
		"group_plant": &types.AttributeValueMemberS{Value: o.GroupPlant},
		"company":     &types.AttributeValueMemberS{Value: o.Company},
		"plant":       &types.AttributeValueMemberS{Value: o.Plant},
		"datetime":    &types.AttributeValueMemberS{Value: o.Datetime()},
		"energy":      &types.AttributeValueMemberN{Value: o.EnergyText()},
	}
}

func requestIDs(reqs []types.WriteRequest) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if r.PutRequest == nil {
			continue
		}
		if id, ok := r.PutRequest.Item["id"].(*types.AttributeValueMemberS); ok {
			out = append(out, id.Value)
		}
	}
	return out
}
