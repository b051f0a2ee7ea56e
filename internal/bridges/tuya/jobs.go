package tuya

import (
	"context"
	"fmt"
	"sync"
)

// job is one unit of per-device work.
type job func(ctx context.Context)

// jobQueue is an unbounded FIFO drained by a single worker, so jobs for one
// device never run concurrently and keep their arrival order.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []job
	notify chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{notify: make(chan struct{}, 1)}
}

// push appends j without blocking.
func (q *jobQueue) push(j job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *jobQueue) pop() job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return j
}

// run drains the queue until ctx is done. A panicking job is reported to
// onPanic and does not stop the worker.
func (q *jobQueue) run(ctx context.Context, onPanic func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
		for j := q.pop(); j != nil; j = q.pop() {
			if ctx.Err() != nil {
				return
			}
			runJob(ctx, j, onPanic)
		}
	}
}

func runJob(ctx context.Context, j job, onPanic func(error)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(fmt.Errorf("panic in device job: %v", r))
		}
	}()
	j(ctx)
}
