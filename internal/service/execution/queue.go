package execution

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
)

// dispatchQueue is a single FIFO lane. At most one drain goroutine runs at a time.
type dispatchQueue struct {
	mu       sync.Mutex
	pending  []string
	draining bool
	stopped  bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	process func(ctx context.Context, id string)
}

func newDispatchQueue(process func(ctx context.Context, id string)) *dispatchQueue {
	ctx, cancel := context.WithCancel(context.Background())

	return &dispatchQueue{
		ctx:     ctx,
		cancel:  cancel,
		process: process,
	}
}

// enqueue appends id and starts a drain unless one is already running.
func (q *dispatchQueue) enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	q.pending = append(q.pending, id)
	if q.draining {
		return true
	}

	q.draining = true
	q.wg.Go(q.drain)
	return true
}

func (q *dispatchQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.ctx.Err() != nil {
			q.draining = false
			q.mu.Unlock()
			return
		}

		id := q.pending[0]
		q.pending[0] = ""
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.process(q.ctx, id)
	}
}

// stop cancels in-flight work and waits for the drain goroutine. Ids still queued are returned.
func (q *dispatchQueue) stop() []string {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()

	leftover := q.pending
	q.pending = nil
	return leftover
}
