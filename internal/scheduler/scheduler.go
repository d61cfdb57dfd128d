// Package scheduler runs batches of tasks through the extractor in bounded waves.
package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/resilient-extractor/internal/clock/system"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/logging"
)

// DefaultMaxConcurrent is the wave size when none is configured.
const DefaultMaxConcurrent = 5

// delayVariance is the +/- fraction applied to randomized wave delays.
const delayVariance = 0.3

// Extractor runs a single validated task to a terminal result.
type Extractor interface {
	Extract(ctx context.Context, task extraction.Task) extraction.Result
}

// Config controls wave sizing and pacing.
type Config struct {
	MaxConcurrent  int
	WaveDelay      time.Duration
	RandomizeDelay bool
}

// Scheduler is safe for concurrent use; each RunBatch call is independent.
type Scheduler struct {
	extractor Extractor
	cfg       Config
	observer  extraction.Observer
	logger    *zap.Logger

	// jitter returns a value in [0,1); swapped in tests.
	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// New builds a Scheduler. A nil observer or logger is replaced with a no-op.
func New(extractor Extractor, cfg Config, observer extraction.Observer, logger *zap.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if observer == nil {
		observer = extraction.NopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		extractor: extractor,
		cfg:       cfg,
		observer:  observer,
		logger:    logger.Named("scheduler"),
		jitter:    rand.Float64,
		sleep:     system.Sleep,
	}
}

// RunBatch processes tasks in waves of MaxConcurrent and returns every result.
// It never fails: tasks that had not started when ctx ended are recorded as
// failed with the context error.
func (s *Scheduler) RunBatch(ctx context.Context, batchID string, tasks []extraction.Task) extraction.BatchResult {
	start := time.Now()
	logger := logging.WithBatch(s.logger, batchID)
	logger.Info("batch started", zap.Int("tasks", len(tasks)), zap.Int("max_concurrent", s.cfg.MaxConcurrent))
	s.observer.OnEvent(extraction.EventBatchStarted, map[string]any{
		"batch_id": batchID,
		"tasks":    len(tasks),
	})

	results := make([]extraction.Result, len(tasks))
	size := s.cfg.MaxConcurrent
	for waveStart := 0; waveStart < len(tasks); waveStart += size {
		if waveStart > 0 {
			if err := s.pause(ctx); err != nil {
				logger.Debug("wave delay interrupted", zap.Error(err))
			}
		}
		waveEnd := min(waveStart+size, len(tasks))

		var g errgroup.Group
		g.SetLimit(size)
		for i := waveStart; i < waveEnd; i++ {
			task := tasks[i]
			if err := ctx.Err(); err != nil {
				results[i] = canceled(task, err)
				continue
			}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					results[i] = canceled(task, err)
					return nil
				}
				results[i] = s.extractor.Extract(ctx, task)
				return nil
			})
		}
		_ = g.Wait()
		logger.Debug("wave settled", zap.Int("from", waveStart), zap.Int("to", waveEnd))
	}

	stats := extraction.ComputeStats(results)
	logger.Info("batch finished",
		zap.Int("total", stats.Total),
		zap.Int("successful", stats.Successful),
		zap.Int("failed", stats.Failed),
		zap.Int("detected", stats.Detected),
		zap.Duration("elapsed", time.Since(start)),
	)
	s.observer.OnEvent(extraction.EventBatchFinished, map[string]any{
		"batch_id":     batchID,
		"total":        stats.Total,
		"successful":   stats.Successful,
		"failed":       stats.Failed,
		"detected":     stats.Detected,
		"success_rate": stats.SuccessRate,
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	return extraction.BatchResult{BatchID: batchID, Results: results, Stats: stats}
}

// WaveDelay returns the pause before the next wave, varied by up to 30% when
// RandomizeDelay is set.
func (s *Scheduler) WaveDelay() time.Duration {
	d := s.cfg.WaveDelay
	if d <= 0 || !s.cfg.RandomizeDelay {
		return d
	}
	factor := 1 - delayVariance + 2*delayVariance*s.jitter()
	return time.Duration(float64(d) * factor)
}

func (s *Scheduler) pause(ctx context.Context) error {
	d := s.WaveDelay()
	if d <= 0 {
		return nil
	}
	return s.sleep(ctx, d)
}

func canceled(task extraction.Task, err error) extraction.Result {
	return extraction.Result{Task: task, Error: err.Error()}
}
