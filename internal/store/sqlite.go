package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ocdispatch/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ ObservationSink = (*SQLiteSink)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS observations (
	id          TEXT PRIMARY KEY,
	grp         TEXT NOT NULL,
	group_plant TEXT NOT NULL,
	company     TEXT NOT NULL,
	plant       TEXT NOT NULL,
	datetime    TEXT NOT NULL,
	energy      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS observations_datetime ON observations (datetime);
`

const sqliteUpsert = `
INSERT INTO observations (id, grp, group_plant, company, plant, datetime, energy)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	grp = excluded.grp,
	group_plant = excluded.group_plant,
	company = excluded.company,
	plant = excluded.plant,
	datetime = excluded.datetime,
	energy = excluded.energy`

// SQLiteSink upserts observations into a SQLite database. Energy is stored
// as exact decimal TEXT.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) a SQLite database at dbPath and creates
// the observations table.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; concurrent day pipelines queue on the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy_timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// UpsertBatch writes batch in one transaction.
func (s *SQLiteSink) UpsertBatch(ctx context.Context, batch []domain.Observation) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, o := range batch {
		if _, err := stmt.ExecContext(ctx,
			o.ID, o.Group, o.GroupPlant, o.Company, o.Plant, o.Datetime(), o.EnergyText(),
		); err != nil {
			return nil, fmt.Errorf("upserting %s: %w", o.ID, err)
		}
	}
	return nil, tx.Commit()
}

// Get retrieves a single observation by id.
func (s *SQLiteSink) Get(ctx context.Context, id string) (*domain.Observation, error) {
	var (
		o                domain.Observation
		datetime, energy string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, grp, group_plant, company, plant, datetime, energy FROM observations WHERE id = ?`, id,
	).Scan(&o.ID, &o.Group, &o.GroupPlant, &o.Company, &o.Plant, &datetime, &energy)
	if err != nil {
		return nil, err
	}
	if o.Timestamp, err = time.Parse(domain.TimestampLayout, datetime); err != nil {
		return nil, err
	}
	if o.Energy, err = decimal.NewFromString(energy); err != nil {
		return nil, err
	}
	return &o, nil
}

// Count returns the number of stored observations.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&n)
	return n, err
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
