// Package system is the wall clock used outside tests.
package system

import (
	"context"
	"time"
)

// Clock reports UTC wall time. It satisfies extraction.Clock and jobs.Clock.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t.
func (Clock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Sleep blocks for d or until ctx is done, returning ctx.Err in the latter case.
// A non-positive d returns immediately unless ctx is already done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
