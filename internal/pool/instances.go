package pool

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultInstanceCap bounds concurrent heavyweight browser instances.
const DefaultInstanceCap = 5

// InstanceLimiter caps concurrent browser instances. Waiters are admitted in FIFO order.
type InstanceLimiter struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewInstanceLimiter creates a limiter. Non-positive caps use DefaultInstanceCap.
func NewInstanceLimiter(capacity int) *InstanceLimiter {
	if capacity <= 0 {
		capacity = DefaultInstanceCap
	}
	return &InstanceLimiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until an instance slot is free or ctx ends.
func (l *InstanceLimiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("instance slot: %w", err)
	}
	n := l.inFlight.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return nil
}

// Release frees a slot taken by Acquire.
func (l *InstanceLimiter) Release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

// Cap returns the configured capacity.
func (l *InstanceLimiter) Cap() int { return int(l.capacity) }

// InFlight returns the number of held slots.
func (l *InstanceLimiter) InFlight() int { return int(l.inFlight.Load()) }

// Peak returns the highest number of slots held at once.
func (l *InstanceLimiter) Peak() int { return int(l.peak.Load()) }
