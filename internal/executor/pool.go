package executor

import (
	"context"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// pool is a fixed set of workers draining a bounded FIFO queue. When the
// queue is full, submit blocks the caller; running workers are never blocked
// by submission.
type pool[T any] struct {
	queue  chan T
	wg     conc.WaitGroup
	handle func(T)
}

func newPool[T any](workers, depth int, handle func(T)) *pool[T] {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	p := &pool[T]{queue: make(chan T, depth), handle: handle}
	for i := 0; i < workers; i++ {
		p.wg.Go(p.work)
	}
	return p
}

func (p *pool[T]) work() {
	for item := range p.queue {
		p.handle(item)
	}
}

// submit enqueues item, blocking while the queue is full.
func (p *pool[T]) submit(ctx context.Context, item T) error {
	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeAndWait stops accepting work, waits for the workers to drain the
// queue, and returns a panic that escaped a handler, if any.
func (p *pool[T]) closeAndWait() *panics.Recovered {
	close(p.queue)
	return p.wg.WaitAndRecover()
}
