package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// DefaultResultsTable receives one row per task result.
const DefaultResultsTable = "extraction_results"

// ResultRecord is one task result plus where its snapshot was stored.
type ResultRecord struct {
	BatchID     string
	Result      extraction.Result
	ContentHash string
	BlobURI     string
	StoredAt    time.Time
}

// ResultStore writes extraction results into Postgres.
type ResultStore struct {
	db    DB
	table string
}

// NewResultStore constructs a store over an existing pool.
func NewResultStore(db DB, table string) (*ResultStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultResultsTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultStore{db: db, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// StoreResult inserts or replaces the row for the record's task.
func (s *ResultStore) StoreResult(ctx context.Context, record ResultRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("result store is not configured")
	}
	res := record.Result
	if res.Task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	detections := res.Detections
	if detections == nil {
		detections = []extraction.Signal{}
	}
	detectionsJSON, err := json.Marshal(detections)
	if err != nil {
		return fmt.Errorf("marshal detections: %w", err)
	}

	var (
		title         string
		finalURL      string
		statusCode    int
		qualityPassed bool
		qualityReason string
	)
	if res.Content != nil {
		title = res.Content.Title
		finalURL = res.Content.FinalURL
		statusCode = res.Content.StatusCode
	}
	if res.Quality != nil {
		qualityPassed = res.Quality.Passed
		qualityReason = res.Quality.Reason
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	task_id,
	batch_id,
	url,
	final_url,
	success,
	strategy_used,
	attempts,
	title,
	status_code,
	content_hash,
	blob_uri,
	quality_passed,
	quality_reason,
	error,
	detections,
	duration_ms,
	stored_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)
ON CONFLICT (task_id) DO UPDATE SET
	success = EXCLUDED.success,
	strategy_used = EXCLUDED.strategy_used,
	attempts = EXCLUDED.attempts,
	error = EXCLUDED.error,
	stored_at = EXCLUDED.stored_at`, s.table)

	args := []any{
		res.Task.ID,
		record.BatchID,
		res.Task.URL,
		finalURL,
		res.Success,
		res.StrategyUsed,
		res.Attempts,
		title,
		statusCode,
		record.ContentHash,
		record.BlobURI,
		qualityPassed,
		qualityReason,
		res.Error,
		detectionsJSON,
		res.DurationMs,
		record.StoredAt,
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}
