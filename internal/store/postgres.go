package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ocdispatch/internal/domain"
)

var _ ObservationSink = (*PostgresSink)(nil)

// PostgresSink upserts observations into a Postgres table with energy as
// NUMERIC.
type PostgresSink struct {
	pool  *pgxpool.Pool
	table string // sanitized identifier
}

// NewPostgresSink connects to dsn, verifies the connection and creates
// table if it does not exist.
func NewPostgresSink(ctx context.Context, dsn, table string, maxConns int32) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &PostgresSink{pool: pool, table: pgx.Identifier{table}.Sanitize()}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          UUID PRIMARY KEY,
	"group"     TEXT NOT NULL,
	group_plant TEXT NOT NULL,
	company     TEXT NOT NULL,
	plant       TEXT NOT NULL,
	datetime    TIMESTAMP NOT NULL,
	energy      NUMERIC NOT NULL
)`, s.table)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return s, nil
}

// UpsertBatch queues every row in one pgx.Batch inside a transaction.
func (s *PostgresSink) UpsertBatch(ctx context.Context, batch []domain.Observation) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
INSERT INTO %s (id, "group", group_plant, company, plant, datetime, energy)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric)
ON CONFLICT (id) DO UPDATE SET
	"group" = EXCLUDED."group",
	group_plant = EXCLUDED.group_plant,
	company = EXCLUDED.company,
	plant = EXCLUDED.plant,
	datetime = EXCLUDED.datetime,
	energy = EXCLUDED.energy`, s.table)

	b := &pgx.Batch{}
	for _, o := range batch {
		b.Queue(query, o.ID, o.Group, o.GroupPlant, o.Company, o.Plant, o.Timestamp, o.EnergyText())
	}
	br := tx.SendBatch(ctx, b)
	for _, o := range batch {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return nil, fmt.Errorf("upserting %s: %w", o.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}
	return nil, tx.Commit(ctx)
}

// Count returns the number of stored rows.
func (s *PostgresSink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

// Close closes the pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
