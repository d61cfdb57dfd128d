// Package breaker guards extraction strategies with circuit breakers.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// Defaults for new breakers.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

// StateName is the externally visible breaker state.
type StateName string

// Breaker states.
const (
	Closed   StateName = "CLOSED"
	Open     StateName = "OPEN"
	HalfOpen StateName = "HALF_OPEN"
)

// State is a point-in-time snapshot of a breaker.
type State struct {
	Name                string    `json:"name"`
	State               StateName `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
}

// Config controls trip and reset behavior.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	return c
}

// Operation is the guarded call.
type Operation func(ctx context.Context) (*extraction.RawContent, error)

// Fallback runs instead of the operation while the breaker is open.
type Fallback func(ctx context.Context, open *extraction.CircuitOpenError) (*extraction.RawContent, error)

// Breaker wraps a gobreaker state machine for one strategy (or strategy and host).
type Breaker struct {
	cb  *gobreaker.CircuitBreaker[*extraction.RawContent]
	cfg Config

	mu          sync.RWMutex
	state       StateName
	consecutive uint32
	lastFailure time.Time
	openedAt    time.Time
}

// TransitionFunc is notified on every state change.
type TransitionFunc func(name string, from, to StateName)

// New builds a Breaker.
func New(name string, cfg Config, onTransition TransitionFunc) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{cfg: cfg, state: Closed}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			b.state = mapState(to)
			if to == gobreaker.StateOpen {
				b.openedAt = time.Now()
			}
			b.mu.Unlock()
			if onTransition != nil {
				onTransition(name, mapState(from), mapState(to))
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker[*extraction.RawContent](settings)
	return b
}

// isSuccessful decides which errors count toward tripping. Misses caused by page
// content mean the upstream answered, so they are not breaker failures.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, extraction.ErrDetection) ||
		errors.Is(err, extraction.ErrQuality) ||
		errors.Is(err, extraction.ErrValidation) ||
		errors.Is(err, context.Canceled)
}

// Name returns the breaker key.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// Execute runs op unless the breaker is open. While open, fallback runs if non-nil,
// otherwise a *extraction.CircuitOpenError is returned and op is not invoked.
func (b *Breaker) Execute(ctx context.Context, op Operation, fallback Fallback) (*extraction.RawContent, error) {
	out, err := b.cb.Execute(func() (*extraction.RawContent, error) {
		return op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		open := &extraction.CircuitOpenError{Name: b.Name(), RetryAt: b.retryAt()}
		if fallback != nil {
			return fallback(ctx, open)
		}
		return nil, open
	}
	b.mu.Lock()
	if isSuccessful(err) {
		b.consecutive = 0
	} else {
		b.consecutive++
		b.lastFailure = time.Now()
	}
	b.mu.Unlock()
	return out, err
}

func (b *Breaker) retryAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.openedAt.IsZero() {
		return time.Time{}
	}
	return b.openedAt.Add(b.cfg.ResetTimeout)
}

// State returns a snapshot of the last recorded transition. It never advances the
// state machine: an open breaker whose timeout has elapsed still reads OPEN until
// the next Execute admits the half-open trial.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return State{
		Name:                b.Name(),
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		LastFailureAt:       b.lastFailure,
	}
}

func mapState(s gobreaker.State) StateName {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// LogTransitions returns a TransitionFunc that logs with zap and forwards to an observer.
func LogTransitions(logger *zap.Logger, observer extraction.Observer) TransitionFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = extraction.NopObserver{}
	}
	return func(name string, from, to StateName) {
		fields := []zap.Field{
			zap.String("breaker", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		}
		if to == Open {
			logger.Warn("circuit opened", fields...)
		} else {
			logger.Info("circuit state changed", fields...)
		}
		observer.OnEvent(extraction.EventBreakerTransition, map[string]any{
			"breaker": name,
			"from":    string(from),
			"to":      string(to),
		})
	}
}
