package util

import (
	"context"
	"time"
)

// Backoff describes a capped exponential retry policy.
type Backoff struct {
	MaxAttempts int           // total attempts including the first
	Initial     time.Duration // delay after the first failure
	Max         time.Duration // upper bound on any single delay; 0 means no cap

	// Retryable decides whether a failed attempt may be retried. Nil retries
	// every error.
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Nil uses a timer; tests
	// substitute a recorder.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry, if set, is called before each wait with the attempt number
	// that failed (1-based), its error and the delay about to be taken.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultBackoff is 5 attempts starting at 1s, doubling, capped at 10s.
func DefaultBackoff() Backoff {
	return Backoff{MaxAttempts: 5, Initial: time.Second, Max: 10 * time.Second}
}

// Delay returns the wait after failed attempt n (1-based):
// Initial * 2^(n-1), capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached, waiting Delay(n) between attempts. It returns the
// last error from fn, or ctx.Err() if the context ends while waiting.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	attempts := max(b.MaxAttempts, 1)
	sleep := b.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt == attempts {
			break
		}
		delay := b.Delay(attempt)
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
