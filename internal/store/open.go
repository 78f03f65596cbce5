package store

import (
	"context"
	"fmt"

	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
)

// Open builds the sink selected by cfg.Kind. Any failure to reach or
// prepare the sink is a FatalConfigError.
func Open(ctx context.Context, cfg config.Sink) (ObservationSink, error) {
	var (
		sink ObservationSink
		err  error
	)
	switch cfg.Kind {
	case "memory":
		sink = NewMemorySink()
	case "sqlite":
		sink, err = NewSQLiteSink(cfg.SQLitePath)
	case "postgres":
		sink, err = NewPostgresSink(ctx, cfg.Postgres.DSN, cfg.Postgres.Table, cfg.Postgres.MaxConns)
	case "parquet":
		sink = NewParquetSink(cfg.DataDir)
	case "json":
		sink = NewJSONFileSink(cfg.DataDir)
	case "s3":
		sink, err = NewObjectSink(ctx, cfg.S3)
	case "dynamodb":
		sink, err = NewDynamoDBSink(ctx, cfg.DynamoDB)
	default:
		err = fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, domain.Fatal("sink", fmt.Errorf("opening %s sink: %w", cfg.Kind, err))
	}
	return sink, nil
}
