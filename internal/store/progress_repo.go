// Package store declares interfaces for persisting batch progress.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the batch_runs status column.
type RunStatus string

// Batch run statuses persisted in batch_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// BatchRun models the batch_runs table for API responses.
type BatchRun struct {
	// BatchID is the caller supplied (or generated) batch identifier.
	BatchID string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	Status     RunStatus
	// Total is the number of validated tasks.
	Total      int
	Successful int
	Failed     int
	Detected   int
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// Summary is the final tally written when a batch finishes.
type Summary struct {
	Total      int
	Successful int
	Failed     int
	Detected   int
}

// StrategyStats captures per-strategy aggregation for a batch.
type StrategyStats struct {
	BatchID    string
	Strategy   string
	LastUpdate time.Time
	Successes  int64
	Misses     int64
	Errors     int64
	Detections int64
}

// StrategyDelta is an increment applied to StrategyStats.
type StrategyDelta struct {
	Successes  int64
	Misses     int64
	Errors     int64
	Detections int64
}

// Empty reports whether the delta changes nothing.
func (d StrategyDelta) Empty() bool {
	return d == StrategyDelta{}
}

// ProgressRepository persists incremental batch progress.
type ProgressRepository interface {
	// UpsertBatchStart inserts (or idempotently updates) the started_at timestamp.
	UpsertBatchStart(ctx context.Context, batchID string, startedAt time.Time, total int) error
	// CompleteBatch marks the run finished with the provided status, tally and error.
	CompleteBatch(ctx context.Context, batchID string, finishedAt time.Time, status RunStatus, summary Summary, errMsg *string) error
	// UpsertStrategyStats applies counter deltas per (batch, strategy).
	UpsertStrategyStats(ctx context.Context, batchID, strategy string, delta StrategyDelta, at time.Time) error

	// GetBatch loads a single batch run or returns ErrNotFound.
	GetBatch(ctx context.Context, batchID string) (BatchRun, error)
	// ListBatches returns batch runs filtered by optional status plus limit/offset.
	ListBatches(ctx context.Context, status *RunStatus, limit, offset int) ([]BatchRun, error)
	// ListBatchStrategies returns aggregated strategy stats for one batch.
	ListBatchStrategies(ctx context.Context, batchID string, limit, offset int) ([]StrategyStats, error)
}
