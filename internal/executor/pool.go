package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Task is one unit of work handed to a Pool.
type Task func(ctx context.Context) error

// Pool bounds the goroutines used for parallel work across all executions.
type Pool struct {
	size int
	sem  *semaphore.Weighted
}

// NewPool returns a pool running at most size tasks concurrently. A size
// below one is treated as one.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Size() int { return p.size }

// Run runs every task and waits for them. Tasks that find no free slot run
// on the calling goroutine. The first failure cancels the context passed to
// the remaining tasks and is returned; tasks not yet started are skipped.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once  sync.Once
		first error
		g     errgroup.Group
	)
	fail := func(err error) {
		once.Do(func() {
			first = err
			cancel()
		})
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if p.sem.TryAcquire(1) {
			g.Go(func() error {
				defer p.sem.Release(1)
				if err := t(ctx); err != nil {
					fail(err)
					return err
				}
				return nil
			})
			continue
		}
		if err := t(ctx); err != nil {
			fail(err)
			break
		}
	}
	_ = g.Wait()
	if first != nil {
		return first
	}
	return context.Cause(ctx)
}
