package transform

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"ocdispatch/internal/domain"
)

// Pool is a fixed-size set of workers for CPU-bound record expansion. It is
// shared by every day of a run and is independent of the day-level bound.
type Pool struct {
	jobs    chan job
	wg      sync.WaitGroup
	workers int
	once    sync.Once
}

type job struct {
	rec  domain.RawDispatchRecord
	done func([]domain.Observation, error)
}

// NewPool starts workers goroutines. workers <= 0 uses GOMAXPROCS.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		jobs:    make(chan job),
		workers: workers,
	}
	for w := 0; w < workers; w++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				j.done(Expand(j.rec))
			}
		}()
	}
	return p
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// Close stops the workers after queued jobs finish. Calling ExpandAll after
// Close panics.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// ExpandAll expands recs on the pool. Observations come back in record
// order. Records that fail expansion are skipped and their errors returned
// in malformed, also in record order. If ctx is cancelled before every
// record is submitted, ExpandAll waits for submitted records and returns
// ctx.Err().
func (p *Pool) ExpandAll(ctx context.Context, recs []domain.RawDispatchRecord) (obs []domain.Observation, malformed []error, err error) {
	results := make([][]domain.Observation, len(recs))
	errs := make([]error, len(recs))

	var wg sync.WaitGroup
submit:
	for i := range recs {
		wg.Add(1)
		j := job{
			rec: recs[i],
			done: func(o []domain.Observation, e error) {
				results[i], errs[i] = o, e
				wg.Done()
			},
		}
		select {
		case p.jobs <- j:
		case <-ctx.Done():
			wg.Done()
			break submit
		}
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	n := 0
	for _, r := range results {
		n += len(r)
	}
	obs = make([]domain.Observation, 0, n)
	for i := range recs {
		if errs[i] != nil {
			var me *domain.MalformedRecordError
			if !errors.As(errs[i], &me) {
				return nil, nil, errs[i]
			}
			malformed = append(malformed, errs[i])
			continue
		}
		obs = append(obs, results[i]...)
	}
	return obs, malformed, nil
}
