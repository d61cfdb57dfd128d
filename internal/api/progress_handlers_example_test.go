package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/store"
)

type exampleProgressRepo struct {
	runs []store.BatchRun
}

func (e *exampleProgressRepo) UpsertBatchStart(context.Context, string, time.Time, int) error {
	return nil
}

func (e *exampleProgressRepo) CompleteBatch(
	context.Context,
	string,
	time.Time,
	store.RunStatus,
	store.Summary,
	*string,
) error {
	return nil
}

func (e *exampleProgressRepo) UpsertStrategyStats(context.Context, string, string, store.StrategyDelta, time.Time) error {
	return nil
}

func (e *exampleProgressRepo) GetBatch(context.Context, string) (store.BatchRun, error) {
	return e.runs[0], nil
}

func (e *exampleProgressRepo) ListBatches(context.Context, *store.RunStatus, int, int) ([]store.BatchRun, error) {
	return e.runs, nil
}

func (e *exampleProgressRepo) ListBatchStrategies(context.Context, string, int, int) ([]store.StrategyStats, error) {
	return nil, nil
}

// ExampleProgressHandler_ListRuns shows how to serve the /v1/runs endpoint.
func ExampleProgressHandler_ListRuns() {
	repo := &exampleProgressRepo{
		runs: []store.BatchRun{{
			BatchID:    "nightly",
			Status:     store.RunSuccess,
			StartedAt:  time.Unix(0, 0),
			Total:      10,
			Successful: 9,
		}},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	var payload struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned runs: %d, first: %v\n", len(payload.Runs), payload.Runs[0]["batch_id"])
	// Output:
	// returned runs: 1, first: nightly
}
