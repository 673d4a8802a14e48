package build

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool runs independent builds concurrently up to a configured
// parallelism. Builds touch no shared filesystem state, so the pool needs
// no locking beyond the result map.
type Pool struct {
	builder     Builder
	parallelism int64
}

// NewPool wraps a Builder with a concurrency bound. Parallelism below one
// is treated as one.
func NewPool(builder Builder, parallelism int) *Pool {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Pool{builder: builder, parallelism: int64(parallelism)}
}

// BuildAll builds every target and returns results keyed by target. The
// first failure cancels the remaining builds and is returned after all
// in-flight builds settle; completed results are still returned so the
// caller can report partial output.
func (p *Pool) BuildAll(ctx context.Context, targets []string) (map[string]*Result, error) {
	sem := semaphore.NewWeighted(p.parallelism)
	g, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	results := make(map[string]*Result, len(targets))

	for _, target := range targets {
		target := target
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			res, err := p.builder.Build(ctx, target)
			mu.Lock()
			results[target] = res
			mu.Unlock()
			return err
		})
	}

	err := g.Wait()
	return results, err
}
