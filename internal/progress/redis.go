package progress

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// NewRedisClient returns a configured go-redis client and validates the
// connection with PING.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// RedisLedger stores one key per completed day, "<prefix><date>", whose
// value is the completion time. Several ingest processes can share it.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLedger returns a redis-backed ledger. ttl 0 keeps keys forever.
func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(date string) string {
	return l.prefix + date
}

func (l *RedisLedger) IsCompleted(ctx context.Context, date string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(date)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLedger) MarkCompleted(ctx context.Context, date string) error {
	return l.client.Set(ctx, l.key(date), time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
}

func (l *RedisLedger) Completed(ctx context.Context) ([]string, error) {
	var out []string
	iter := l.client.Scan(ctx, 0, l.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), l.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}

// Delete forgets date so the next resumed run ingests it again.
func (l *RedisLedger) Delete(ctx context.Context, date string) error {
	return l.client.Del(ctx, l.key(date)).Err()
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
