// Package memory provides the in-process batch job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/resilient-extractor/internal/jobs"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = jobs.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan jobs.QueueItem
	closeMu sync.Mutex
	closed  bool
}

var _ jobs.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan jobs.QueueItem, capacity),
	}
}

// Enqueue pushes a batch job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item jobs.QueueItem) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next batch job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (jobs.QueueItem, error) {
	select {
	case <-ctx.Done():
		return jobs.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return jobs.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int { return len(q.ch) }

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
