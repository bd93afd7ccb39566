// Package memory provides the in-process FIFO job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/media-job-server/internal/job"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = job.ErrQueueClosed

// Queue is an unbounded FIFO with context-aware blocking dequeue. Capacity is
// enforced by admission, not here.
type Queue struct {
	clock job.Clock

	mu     sync.Mutex
	items  []*job.Job
	wake   chan struct{}
	closed bool
}

// NewQueue constructs an empty queue. The clock stamps the start time of each
// job as it leaves the queue.
func NewQueue(clock job.Clock) *Queue {
	return &Queue{
		clock: clock,
		wake:  make(chan struct{}),
	}
}

// Enqueue appends a job to the tail.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, j)
	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

// Dequeue pops the head job, blocking until one is available. The job is
// transitioned to running while the queue lock is held, so start order always
// matches queue order.
func (q *Queue) Dequeue(ctx context.Context) (*job.Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			j := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			err := j.Start(q.clock.Now())
			q.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("start job %s: %w", j.ID, err)
			}
			return j, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		}
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes blocked consumers; queued jobs are still handed out.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
	q.wake = make(chan struct{})
}
