// Package orchestrator runs a task through an ordered chain of extraction
// strategies until one yields content that passes the quality gate.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/breaker"
	"github.com/JakeFAU/resilient-extractor/internal/clock/system"
	"github.com/JakeFAU/resilient-extractor/internal/detect"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/policy/ratelimit"
	"github.com/JakeFAU/resilient-extractor/internal/quality"
	"github.com/JakeFAU/resilient-extractor/internal/retry"
)

const tracerName = "github.com/JakeFAU/resilient-extractor/internal/orchestrator"

// Defaults applied by New.
const (
	DefaultFetchTimeout    = 30 * time.Second
	DefaultFallbackDivisor = 3
	MinLegTimeout          = time.Second
)

// ErrNoStrategies is returned by New for an empty chain.
var ErrNoStrategies = errors.New("orchestrator needs at least one strategy")

// Config tunes leg timeouts and retries.
type Config struct {
	// FetchTimeout bounds each attempt of the first strategy.
	FetchTimeout time.Duration
	// FallbackDivisor shortens attempts on later strategies to FetchTimeout/FallbackDivisor.
	FallbackDivisor int
	Retry           retry.Policy
}

// Deps are the shared collaborators. Nil members are replaced by no-op versions,
// except Gate and Detector which get defaults.
type Deps struct {
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Registry
	Gate     *quality.Gate
	Detector *detect.Detector
	Observer extraction.Observer
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Clock    extraction.Clock
}

// Chain is the strategy chain orchestrator. It is safe for concurrent use.
type Chain struct {
	strategies []extraction.Strategy
	deps       Deps
	cfg        Config
}

// New validates the chain and fills defaults.
func New(strategies []extraction.Strategy, deps Deps, cfg Config) (*Chain, error) {
	if len(strategies) == 0 {
		return nil, ErrNoStrategies
	}
	seen := make(map[string]struct{}, len(strategies))
	for i, s := range strategies {
		if s == nil {
			return nil, fmt.Errorf("strategy %d is nil", i)
		}
		if _, dup := seen[s.Name()]; dup {
			return nil, fmt.Errorf("strategy %q listed twice", s.Name())
		}
		seen[s.Name()] = struct{}{}
	}
	if deps.Gate == nil {
		deps.Gate = quality.New(quality.DefaultConfig())
	}
	if deps.Detector == nil {
		deps.Detector = detect.New()
	}
	if deps.Observer == nil {
		deps.Observer = extraction.NopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("orchestrator")
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Clock == nil {
		deps.Clock = system.Clock{}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.FallbackDivisor <= 0 {
		cfg.FallbackDivisor = DefaultFallbackDivisor
	}
	return &Chain{strategies: strategies, deps: deps, cfg: cfg}, nil
}

// Strategies returns the chain order.
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// LegTimeout is the per-attempt timeout for the strategy at position idx.
func (c *Chain) LegTimeout(idx int) time.Duration {
	if idx == 0 {
		return c.cfg.FetchTimeout
	}
	leg := c.cfg.FetchTimeout / time.Duration(c.cfg.FallbackDivisor)
	if leg < MinLegTimeout {
		leg = min(MinLegTimeout, c.cfg.FetchTimeout)
	}
	return leg
}

// Extract runs the chain for one validated task. It never returns an error: a
// failed result carries the last leg's reason.
func (c *Chain) Extract(ctx context.Context, task extraction.Task) extraction.Result {
	start := c.deps.Clock.Now()
	ctx, span := c.deps.Tracer.Start(ctx, "extract.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.url", task.URL),
	))
	defer span.End()

	result := extraction.Result{Task: task}
	var last extraction.Outcome
	for idx, strategy := range c.strategies {
		if err := ctx.Err(); err != nil {
			if result.Attempts == 0 {
				last = extraction.Failure(strategy.Name(), err)
			}
			break
		}
		result.Attempts++
		last = c.runLeg(ctx, idx, strategy, task)
		result.Detections = append(result.Detections, last.Signals...)
		if last.Verdict != nil {
			result.Quality = last.Verdict
		}
		if last.Kind == extraction.OutcomeSuccess {
			result.Success = true
			result.StrategyUsed = last.Strategy
			result.Content = last.Content
			break
		}
	}
	if !result.Success {
		result.Error = last.Reason
		span.SetStatus(codes.Error, last.Reason)
	}
	result.DurationMs = c.deps.Clock.Now().Sub(start).Milliseconds()
	span.SetAttributes(
		attribute.Bool("task.success", result.Success),
		attribute.Int("task.attempts", result.Attempts),
	)

	c.deps.Observer.OnEvent(extraction.EventTaskFinished, map[string]any{
		"batch_id":    extraction.BatchIDOf(task.ID),
		"task_id":     task.ID,
		"url":         task.URL,
		"success":     result.Success,
		"strategy":    result.StrategyUsed,
		"attempts":    result.Attempts,
		"detected":    result.Detected(),
		"duration_ms": result.DurationMs,
		"error":       result.Error,
	})
	return result
}

// runLeg runs one strategy behind the limiter, its breaker and the retry loop,
// then classifies the output.
func (c *Chain) runLeg(ctx context.Context, idx int, strategy extraction.Strategy, task extraction.Task) extraction.Outcome {
	name := strategy.Name()
	start := c.deps.Clock.Now()
	ctx, span := c.deps.Tracer.Start(ctx, "extract.strategy", trace.WithAttributes(
		attribute.String("strategy", name),
		attribute.Int("strategy.position", idx),
	))
	defer span.End()
	logger := c.deps.Logger.With(
		zap.String("task_id", task.ID),
		zap.String("url", task.URL),
		zap.String("strategy", name),
	)

	var outcome extraction.Outcome
	if err := c.deps.Limiter.Wait(ctx, task.URL); err != nil {
		outcome = extraction.Failure(name, err)
	} else {
		outcome = c.guarded(ctx, idx, strategy, task, logger)
	}

	for i := range outcome.Signals {
		signal := outcome.Signals[i]
		logger.Warn("detection signal", zap.String("kind", string(signal.Kind)), zap.String("marker", signal.Marker))
		c.deps.Observer.OnEvent(extraction.EventDetection, map[string]any{
			"batch_id": extraction.BatchIDOf(task.ID),
			"task_id":  task.ID,
			"url":      task.URL,
			"strategy": name,
			"kind":     string(signal.Kind),
			"marker":   signal.Marker,
		})
	}

	span.SetAttributes(
		attribute.String("outcome", outcome.Kind.String()),
		attribute.Int("attempts", outcome.Retries),
	)
	if outcome.Kind != extraction.OutcomeSuccess {
		span.SetStatus(codes.Error, outcome.Reason)
		logger.Info("strategy did not produce content",
			zap.String("outcome", outcome.Kind.String()),
			zap.Int("attempt", outcome.Retries),
			zap.String("category", extraction.Category(outcome.Err)),
			zap.Error(outcome.Err),
		)
	}
	c.deps.Observer.OnEvent(extraction.EventStrategyOutcome, map[string]any{
		"batch_id":    extraction.BatchIDOf(task.ID),
		"task_id":     task.ID,
		"url":         task.URL,
		"strategy":    name,
		"outcome":     outcome.Kind.String(),
		"category":    extraction.Category(outcome.Err),
		"attempts":    outcome.Retries,
		"duration_ms": c.deps.Clock.Now().Sub(start).Milliseconds(),
	})
	return outcome
}

// guarded executes the retry loop inside the strategy's breaker.
func (c *Chain) guarded(ctx context.Context, idx int, strategy extraction.Strategy, task extraction.Task, logger *zap.Logger) extraction.Outcome {
	name := strategy.Name()
	timeout := c.LegTimeout(idx)

	var (
		verdict  *extraction.QualityVerdict
		signals  []extraction.Signal
		attempts int
	)
	op := func(ctx context.Context) (*extraction.RawContent, error) {
		var content *extraction.RawContent
		n, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context, attempt int) error {
			if attempt > 1 {
				logger.Debug("retrying strategy", zap.Int("attempt", attempt))
			}
			raw, err := c.fetch(ctx, strategy, task, timeout)
			if err != nil {
				var det *extraction.DetectionError
				if errors.As(err, &det) {
					signals = withStrategy(det.Signals, name)
				}
				return err
			}
			if found := c.deps.Detector.Inspect(raw.HTML, raw.Text, raw.Title); len(found) > 0 {
				signals = withStrategy(found, name)
				return &extraction.DetectionError{Strategy: name, Signals: signals}
			}
			v := c.deps.Gate.Evaluate(raw.Text)
			verdict = &v
			if !v.Passed {
				return &extraction.QualityError{Strategy: name, Verdict: v}
			}
			content = raw
			return nil
		})
		attempts = n
		return content, err
	}

	var (
		content *extraction.RawContent
		err     error
	)
	if c.deps.Breakers != nil {
		content, err = c.deps.Breakers.Get(name, task.URL).Execute(ctx, op, nil)
	} else {
		content, err = op(ctx)
	}

	var outcome extraction.Outcome
	switch {
	case err == nil:
		outcome = extraction.Success(name, content, *verdict)
	case errors.Is(err, extraction.ErrDetection), errors.Is(err, extraction.ErrQuality):
		outcome = extraction.Miss(name, err)
	default:
		outcome = extraction.Failure(name, err)
	}
	outcome.Verdict = verdict
	outcome.Signals = signals
	outcome.Retries = attempts
	return outcome
}

// fetch runs one attempt under its own timeout and normalizes the error.
func (c *Chain) fetch(ctx context.Context, strategy extraction.Strategy, task extraction.Task, timeout time.Duration) (*extraction.RawContent, error) {
	legCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := strategy.Fetch(legCtx, task)
	switch {
	case err == nil && raw == nil:
		return nil, &extraction.NetworkError{Strategy: strategy.Name(), Err: errors.New("strategy returned no content")}
	case err == nil:
		return raw, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%s: %w", strategy.Name(), ctx.Err())
	case isClassified(err):
		return nil, err
	case errors.Is(legCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return nil, &extraction.TimeoutError{Strategy: strategy.Name(), After: timeout}
	default:
		return nil, &extraction.NetworkError{Strategy: strategy.Name(), Err: err}
	}
}

func isClassified(err error) bool {
	return errors.Is(err, extraction.ErrDetection) ||
		errors.Is(err, extraction.ErrQuality) ||
		errors.Is(err, extraction.ErrValidation) ||
		errors.Is(err, extraction.ErrNetwork) ||
		errors.Is(err, extraction.ErrTimeout)
}

func withStrategy(signals []extraction.Signal, strategy string) []extraction.Signal {
	out := make([]extraction.Signal, len(signals))
	for i, s := range signals {
		s.Strategy = strategy
		out[i] = s
	}
	return out
}
