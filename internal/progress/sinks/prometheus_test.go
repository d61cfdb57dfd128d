package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{BatchID: "b", TS: now, Stage: progress.StageBatchStart, Count: 2},
		{BatchID: "b", TS: now, Stage: progress.StageDetection, TaskID: "b-0", Strategy: "headless-primary", Signal: "cloudflare"},
		{BatchID: "b", TS: now, Stage: progress.StageStrategy, TaskID: "b-0", Strategy: "headless-primary", Outcome: "miss", Dur: 2 * time.Second},
		{BatchID: "b", TS: now, Stage: progress.StageStrategy, TaskID: "b-0", Strategy: "headless-stealth", Outcome: "success", Dur: time.Second},
		{BatchID: "b", TS: now, Stage: progress.StageTaskDone, TaskID: "b-0", Success: true, Count: 2},
		{BatchID: "b", TS: now, Stage: progress.StageTaskDone, TaskID: "b-1", Count: 3},
		{TS: now, Stage: progress.StageBreaker, Strategy: "reader-rotation", Outcome: "OPEN"},
		{BatchID: "b", TS: now, Stage: progress.StageBatchDone, Dur: 15 * time.Second, Summary: &extraction.Stats{Total: 2}},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchesStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.batchesRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasks.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasks.WithLabelValues("failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.strategyOutcomes.WithLabelValues("headless-primary", "miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.strategyOutcomes.WithLabelValues("headless-stealth", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.detections.WithLabelValues("headless-primary", "cloudflare")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.breakerChanges.WithLabelValues("reader-rotation", "OPEN")))
	require.Equal(t, 2, testutil.CollectAndCount(sink.strategyDuration, "extractor_strategy_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.batchRuntime, "extractor_batch_runtime_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}
