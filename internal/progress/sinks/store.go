package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/progress"
	"github.com/JakeFAU/resilient-extractor/internal/store"
)

// StoreSink persists progress deltas via a store.ProgressRepository. It batches
// strategy-level counters to reduce write amplification.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume collapses strategy deltas and forwards them to the repository. It
// respects ctx deadlines and returns any repository errors verbatim. Batch
// starts are written first and completions last so a single flush holding a
// whole short batch still lands in order.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)
	var done []progress.Event

	for _, evt := range batch {
		if evt.BatchID == "" {
			continue
		}
		switch evt.Stage {
		case progress.StageBatchStart:
			if err := s.repo.UpsertBatchStart(ctx, evt.BatchID, evt.TS, evt.Count); err != nil {
				return fmt.Errorf("upsert batch start: %w", err)
			}
		case progress.StageBatchDone:
			done = append(done, evt)
		case progress.StageStrategy, progress.StageDetection:
			s.recordStrategyStats(stats, evt)
		}
	}

	for key, delta := range stats {
		if delta.Empty() {
			continue
		}
		if err := s.repo.UpsertStrategyStats(ctx, key.batchID, key.strategy, delta.StrategyDelta, delta.at); err != nil {
			return fmt.Errorf("upsert strategy stats: %w", err)
		}
	}

	for _, evt := range done {
		if err := s.completeBatch(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) completeBatch(ctx context.Context, evt progress.Event) error {
	var summary store.Summary
	if evt.Summary != nil {
		summary = store.Summary{
			Total:      evt.Summary.Total,
			Successful: evt.Summary.Successful,
			Failed:     evt.Summary.Failed,
			Detected:   evt.Summary.Detected,
		}
	}
	status := store.RunSuccess
	var note *string
	if summary.Total > 0 && summary.Successful == 0 {
		status = store.RunError
		msg := "all tasks failed"
		note = &msg
	}
	if err := s.repo.CompleteBatch(ctx, evt.BatchID, evt.TS, status, summary, note); err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	return nil
}

func (s *StoreSink) recordStrategyStats(stats map[statsKey]*statsDelta, evt progress.Event) {
	if evt.Strategy == "" {
		return
	}
	key := statsKey{batchID: evt.BatchID, strategy: evt.Strategy}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	if evt.Stage == progress.StageDetection {
		stat.Detections++
	} else {
		switch evt.Outcome {
		case "success":
			stat.Successes++
		case "miss":
			stat.Misses++
		default:
			stat.Errors++
		}
	}
	if evt.TS.After(stat.at) || stat.at.IsZero() {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	batchID  string
	strategy string
}

type statsDelta struct {
	store.StrategyDelta
	at time.Time
}
