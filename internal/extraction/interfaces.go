package extraction

import (
	"context"
	"net/url"
	"time"
)

// Strategy turns a task URL into raw content.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, task Task) (*RawContent, error)
}

// Observer receives counters and span-like events. Implementations must not block.
type Observer interface {
	OnEvent(name string, attrs map[string]any)
}

// NopObserver discards every event.
type NopObserver struct{}

// OnEvent implements Observer.
func (NopObserver) OnEvent(string, map[string]any) {}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(name string, attrs map[string]any)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(name string, attrs map[string]any) { f(name, attrs) }

// URLChecker vets a URL before anything is fetched from it. Strategies use it
// on redirect targets.
type URLChecker interface {
	URL(raw string) (*url.URL, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Event names emitted by the pipeline.
const (
	EventBatchStarted      = "batch.started"
	EventBatchFinished     = "batch.finished"
	EventTaskFinished      = "task.finished"
	EventStrategyOutcome   = "strategy.outcome"
	EventDetection         = "detection"
	EventBreakerTransition = "breaker.state_change"
)

// OutcomeKind tags the result of one strategy leg.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeMiss
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeMiss:
		return "miss"
	default:
		return "error"
	}
}

// Outcome is the tagged result of running a single strategy leg.
type Outcome struct {
	Kind     OutcomeKind
	Strategy string
	Reason   string
	Err      error
	Content  *RawContent
	Verdict  *QualityVerdict
	Signals  []Signal
	Retries  int
}

// Success builds a success outcome.
func Success(strategy string, content *RawContent, verdict QualityVerdict) Outcome {
	return Outcome{Kind: OutcomeSuccess, Strategy: strategy, Content: content, Verdict: &verdict}
}

// Miss builds a non-fatal miss outcome. The error carries the detection or quality reason.
func Miss(strategy string, err error) Outcome {
	return Outcome{Kind: OutcomeMiss, Strategy: strategy, Reason: err.Error(), Err: err}
}

// Failure builds an error outcome.
func Failure(strategy string, err error) Outcome {
	return Outcome{Kind: OutcomeError, Strategy: strategy, Reason: err.Error(), Err: err}
}
