package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel categories. Typed errors below match these through errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrNetwork     = errors.New("network error")
	ErrTimeout     = errors.New("timeout")
	ErrDetection   = errors.New("detection signal")
	ErrQuality     = errors.New("quality rejected")
	ErrCircuitOpen = errors.New("circuit open")

	ErrInvalidURL      = errors.New("invalid url")
	ErrInvalidScheme   = errors.New("invalid scheme")
	ErrBlockedHost     = errors.New("blocked host")
	ErrPrivateIP       = errors.New("private ip not allowed")
	ErrInvalidSelector = errors.New("invalid selector")
	ErrInvalidBatch    = errors.New("invalid batch")
)

// ValidationError rejects a task or batch. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Kind   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Is matches ErrValidation and the specific kind.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.Kind != nil && target == e.Kind)
}

// NetworkError wraps a transport failure inside a strategy.
type NetworkError struct {
	Strategy string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network: %v", e.Strategy, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches ErrNetwork.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// TimeoutError reports that a leg exceeded its deadline.
type TimeoutError struct {
	Strategy string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Strategy, e.After)
}

// Is matches ErrTimeout and ErrNetwork; timeouts follow the network retry path.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == ErrNetwork
}

// DetectionError reports anti-automation markers on the fetched page.
type DetectionError struct {
	Strategy string
	Signals  []Signal
}

func (e *DetectionError) Error() string {
	if len(e.Signals) == 0 {
		return fmt.Sprintf("%s: detected", e.Strategy)
	}
	return fmt.Sprintf("%s: detected %s (%s)", e.Strategy, e.Signals[0].Kind, e.Signals[0].Marker)
}

// Is matches ErrDetection.
func (e *DetectionError) Is(target error) bool { return target == ErrDetection }

// QualityError reports that content failed the quality gate.
type QualityError struct {
	Strategy string
	Verdict  QualityVerdict
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("%s: quality: %s", e.Strategy, e.Verdict.Reason)
}

// Is matches ErrQuality.
func (e *QualityError) Is(target error) bool { return target == ErrQuality }

// CircuitOpenError means the strategy was skipped without invoking it.
type CircuitOpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit %q is open", e.Name)
	}
	return fmt.Sprintf("circuit %q is open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// Is matches ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Retryable reports whether a failure may be retried within the same strategy.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrDetection),
		errors.Is(err, ErrQuality),
		errors.Is(err, ErrCircuitOpen):
		return false
	}
	return true
}

// Category returns a stable label for metrics and logs.
func Category(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrDetection):
		return "detection"
	case errors.Is(err, ErrQuality):
		return "quality"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "network"
	}
}
