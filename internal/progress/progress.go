// Package progress records which days have been fully ingested so that a
// resumed run can skip them.
package progress

import (
	"context"
	"fmt"

	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
)

// Ledger tracks completed days by their YYYY-MM-DD date.
type Ledger interface {
	IsCompleted(ctx context.Context, date string) (bool, error)
	MarkCompleted(ctx context.Context, date string) error
	// Completed lists every recorded date in ascending order.
	Completed(ctx context.Context) ([]string, error)
	Close() error
}

// Open builds the ledger selected by cfg.Kind. Kind "none" returns a nil
// Ledger and no error.
func Open(cfg config.Progress) (Ledger, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "file":
		l, err := NewFileLedger(cfg.Dir)
		if err != nil {
			return nil, domain.Fatal("progress", err)
		}
		return l, nil
	case "redis":
		client, err := NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, domain.Fatal("progress", err)
		}
		return NewRedisLedger(client, cfg.KeyPrefix, cfg.TTL), nil
	default:
		return nil, domain.Fatal("progress", fmt.Errorf("unknown ledger kind %q", cfg.Kind))
	}
}
