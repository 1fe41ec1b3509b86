package coordinator

import (
	"context"
	"sync"
)

// taskQueue is an unbounded FIFO of closures drained by a single goroutine.
// push never blocks, so tasks may be posted from the draining goroutine itself.
type taskQueue struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until a task is available or ctx is done.
func (q *taskQueue) pop(ctx context.Context) (func(), bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			fn := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return fn, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}
