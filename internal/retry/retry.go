// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/resilient-extractor/internal/clock/system"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// DefaultMaxJitter bounds the random delay added to every backoff.
const DefaultMaxJitter = time.Second

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Policy configures exponential backoff between attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps the exponential part; zero means uncapped.
	MaxDelay time.Duration
	// MaxJitter bounds the random addition; zero uses DefaultMaxJitter, negative disables it.
	MaxJitter time.Duration

	// Retryable overrides the default classification.
	Retryable func(error) bool
	// Sleep overrides the context-aware sleeper, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter overrides the random source, mainly for tests.
	Jitter func(limit time.Duration) time.Duration
}

// ShouldRetry decides whether the error is retryable after the given attempt.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.attempts() {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return extraction.Retryable(err)
}

// Backoff returns the wait before the attempt following the given one:
// BaseDelay * 2^(attempt-1) plus jitter in [0, MaxJitter).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay) + p.jitter()
}

func (p Policy) jitter() time.Duration {
	limit := p.MaxJitter
	if limit == 0 {
		limit = DefaultMaxJitter
	}
	if limit < 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(limit)
	}
	return randomJitter(limit)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs op until it succeeds, a non-retryable error occurs, or attempts run out.
// No delay follows the final failed attempt. The returned int is the number of attempts made.
func Do(ctx context.Context, p Policy, op Operation) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = system.Sleep
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, fmt.Errorf("retry aborted after %d attempts: %w", attempt-1, lastErr)
			}
			return attempt - 1, fmt.Errorf("retry aborted: %w", err)
		}
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !p.ShouldRetry(lastErr, attempt) {
			if attempt > 1 {
				return attempt, fmt.Errorf("after %d attempts: %w", attempt, lastErr)
			}
			return attempt, lastErr
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return attempt, fmt.Errorf("retry backoff interrupted after %d attempts: %w", attempt, lastErr)
		}
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
