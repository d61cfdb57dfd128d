package extraction

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "network", err: &NetworkError{Strategy: "s", Err: errors.New("reset")}, want: true},
		{name: "timeout", err: &TimeoutError{Strategy: "s"}, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: fmt.Errorf("wrap: %w", context.Canceled), want: false},
		{name: "detection", err: &DetectionError{Strategy: "s"}, want: false},
		{name: "quality", err: &QualityError{Strategy: "s"}, want: false},
		{name: "circuit", err: &CircuitOpenError{Name: "s"}, want: false},
		{name: "validation", err: &ValidationError{Reason: "bad", Kind: ErrBlockedHost}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestCategory(t *testing.T) {
	t.Parallel()

	require.Equal(t, "timeout", Category(&TimeoutError{Strategy: "a"}))
	require.Equal(t, "network", Category(&NetworkError{Strategy: "a", Err: errors.New("x")}))
	require.Equal(t, "circuit_open", Category(fmt.Errorf("leg: %w", &CircuitOpenError{Name: "a"})))
	require.Equal(t, "detection", Category(&DetectionError{}))
	require.Equal(t, "quality", Category(&QualityError{}))
	require.Equal(t, "validation", Category(&ValidationError{}))
	require.Equal(t, "none", Category(nil))
}

func TestValidationErrorMatchesKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("task 3: %w", &ValidationError{Field: "url", Reason: "blocked host: localhost", Kind: ErrBlockedHost})
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, ErrBlockedHost)
	require.NotErrorIs(t, err, ErrPrivateIP)
	require.Contains(t, err.Error(), "url: blocked host")
}

func TestComputeStats(t *testing.T) {
	t.Parallel()

	results := []Result{
		{Task: Task{ID: "b"}, Success: true, StrategyUsed: "headless-primary"},
		{Task: Task{ID: "a"}, Success: true, StrategyUsed: "headless-stealth", Detections: []Signal{{Kind: SignalCloudflare}}},
		{Task: Task{ID: "c"}, Success: false, Error: "exhausted"},
	}
	stats := ComputeStats(results)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.Successful)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 1, stats.Detected)
	require.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	require.Equal(t, map[string]int{"headless-primary": 1, "headless-stealth": 1}, stats.ByStrategy)

	batch := BatchResult{Results: results}
	batch.SortByTaskID()
	require.Equal(t, "a", batch.Results[0].Task.ID)
	require.Equal(t, "c", batch.Results[2].Task.ID)

	empty := ComputeStats(nil)
	require.Zero(t, empty.SuccessRate)
	require.NotNil(t, empty.ByStrategy)
}

func TestSortByTaskIDIsNumeric(t *testing.T) {
	t.Parallel()

	var batch BatchResult
	for _, i := range []int{10, 2, 1, 0, 11, 9, 3, 7, 5, 4, 6, 8} {
		batch.Results = append(batch.Results, Result{Task: Task{ID: fmt.Sprintf("b-%d", i)}})
	}
	batch.Results = append(batch.Results, Result{Task: Task{ID: "a-5"}})
	batch.SortByTaskID()

	got := make([]string, 0, len(batch.Results))
	for _, r := range batch.Results {
		got = append(got, r.Task.ID)
	}
	require.Equal(t, []string{
		"a-5", "b-0", "b-1", "b-2", "b-3", "b-4", "b-5", "b-6",
		"b-7", "b-8", "b-9", "b-10", "b-11",
	}, got)

	require.Negative(t, CompareTaskIDs("nightly-run-2", "nightly-run-10"))
	require.Positive(t, CompareTaskIDs("b-x", "b-10"))
	require.Zero(t, CompareTaskIDs("b-3", "b-3"))
}

func TestBatchIDOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "nightly-run", BatchIDOf("nightly-run-12"))
	require.Equal(t, "b", BatchIDOf("b-0"))
	require.Equal(t, "plain", BatchIDOf("plain"))
}
