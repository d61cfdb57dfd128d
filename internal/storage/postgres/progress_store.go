package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/resilient-extractor/internal/store"
)

// ProgressStore implements the store.ProgressRepository interface using Postgres.
type ProgressStore struct {
	db DB
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

// NewProgressStore creates a new ProgressStore over an existing pool.
func NewProgressStore(db DB) (*ProgressStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.db.Close()
}

// UpsertBatchStart inserts or refreshes a batch run's start row.
func (s *ProgressStore) UpsertBatchStart(ctx context.Context, batchID string, startedAt time.Time, total int) error {
	query := `
		INSERT INTO batch_runs (batch_id, started_at, status, total)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (batch_id) DO UPDATE
		SET status = EXCLUDED.status, total = EXCLUDED.total
		WHERE batch_runs.status <> EXCLUDED.status OR batch_runs.total <> EXCLUDED.total;
	`
	_, err := s.db.Exec(ctx, query, batchID, startedAt, store.RunRunning, total)
	if err != nil {
		return fmt.Errorf("failed to upsert batch start: %w", err)
	}
	return nil
}

// CompleteBatch marks a batch as finished with a status, final tally and optional error message.
func (s *ProgressStore) CompleteBatch(
	ctx context.Context,
	batchID string,
	finishedAt time.Time,
	status store.RunStatus,
	summary store.Summary,
	errMsg *string,
) error {
	query := `
		UPDATE batch_runs
		SET finished_at = $1, status = $2, total = $3, successful = $4, failed = $5, detected = $6, error_message = $7
		WHERE batch_id = $8;
	`
	_, err := s.db.Exec(ctx, query,
		finishedAt, status, summary.Total, summary.Successful, summary.Failed, summary.Detected, errMsg, batchID)
	if err != nil {
		return fmt.Errorf("failed to complete batch: %w", err)
	}
	return nil
}

// UpsertStrategyStats adds the delta to the counters for one strategy within a batch.
func (s *ProgressStore) UpsertStrategyStats(
	ctx context.Context,
	batchID string,
	strategy string,
	delta store.StrategyDelta,
	at time.Time,
) error {
	query := `
		INSERT INTO strategy_stats (batch_id, strategy, last_update, successes, misses, errors, detections)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id, strategy) DO UPDATE SET
			last_update = GREATEST(strategy_stats.last_update, EXCLUDED.last_update),
			successes = strategy_stats.successes + EXCLUDED.successes,
			misses = strategy_stats.misses + EXCLUDED.misses,
			errors = strategy_stats.errors + EXCLUDED.errors,
			detections = strategy_stats.detections + EXCLUDED.detections;
	`
	_, err := s.db.Exec(ctx, query,
		batchID, strategy, at, delta.Successes, delta.Misses, delta.Errors, delta.Detections)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy stats: %w", err)
	}
	return nil
}

const batchColumns = `batch_id, started_at, finished_at, status, total, successful, failed, detected, error_message`

func scanBatch(row pgx.Row) (store.BatchRun, error) {
	var run store.BatchRun
	err := row.Scan(
		&run.BatchID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Total,
		&run.Successful,
		&run.Failed,
		&run.Detected,
		&run.ErrorMessage,
	)
	return run, err
}

// GetBatch retrieves a single batch run by its ID.
func (s *ProgressStore) GetBatch(ctx context.Context, batchID string) (store.BatchRun, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_runs WHERE batch_id = $1;`
	run, err := scanBatch(s.db.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.BatchRun{}, store.ErrNotFound
		}
		return store.BatchRun{}, fmt.Errorf("failed to get batch: %w", err)
	}
	return run, nil
}

// ListBatches retrieves a list of batch runs, with optional status filtering.
func (s *ProgressStore) ListBatches(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.BatchRun, error) {
	query := `SELECT ` + batchColumns + `
		FROM batch_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var runs []store.BatchRun
	for rows.Next() {
		run, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch rows: %w", err)
	}
	return runs, nil
}

// ListBatchStrategies retrieves aggregated strategy statistics for a given batch.
func (s *ProgressStore) ListBatchStrategies(
	ctx context.Context,
	batchID string,
	limit,
	offset int,
) ([]store.StrategyStats, error) {
	query := `
		SELECT batch_id, strategy, last_update, successes, misses, errors, detections
		FROM strategy_stats
		WHERE batch_id = $1
		ORDER BY strategy
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, batchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch strategies: %w", err)
	}
	defer rows.Close()

	var stats []store.StrategyStats
	for rows.Next() {
		var stat store.StrategyStats
		err := rows.Scan(
			&stat.BatchID,
			&stat.Strategy,
			&stat.LastUpdate,
			&stat.Successes,
			&stat.Misses,
			&stat.Errors,
			&stat.Detections,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate strategy rows: %w", err)
	}
	return stats, nil
}
