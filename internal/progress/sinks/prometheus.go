package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/resilient-extractor/internal/progress"
)

// PrometheusSink exports extraction progress metrics via Prometheus. It owns
// the collectors for batches started/running, task results, strategy outcomes,
// detection signals and breaker transitions.
type PrometheusSink struct {
	batchesStarted prometheus.Counter
	batchesRunning prometheus.Gauge
	batchRuntime   prometheus.Histogram

	tasks        *prometheus.CounterVec
	taskAttempts prometheus.Histogram

	strategyOutcomes *prometheus.CounterVec
	strategyDuration *prometheus.HistogramVec
	detections       *prometheus.CounterVec
	breakerChanges   *prometheus.CounterVec

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extractor_batches_started_total",
			Help: "Total batches that have started.",
		}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "extractor_batches_running",
			Help: "Current number of running batches.",
		}),
		batchRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "extractor_batch_runtime_seconds",
			Help:    "Wall time per completed batch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_tasks_total",
			Help: "Finished tasks partitioned by result.",
		}, []string{"result"}),
		taskAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "extractor_task_attempts",
			Help:    "Strategies tried per finished task.",
			Buckets: []float64{1, 2, 3, 4, 5, 6},
		}),
		strategyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_strategy_outcomes_total",
			Help: "Strategy legs partitioned by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		strategyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extractor_strategy_duration_seconds",
			Help:    "Strategy leg duration partitioned by strategy and outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"strategy", "outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_detections_total",
			Help: "Anti-automation signals partitioned by strategy and kind.",
		}, []string{"strategy", "signal"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_breaker_transitions_total",
			Help: "Circuit breaker transitions partitioned by breaker and new state.",
		}, []string{"breaker", "state"}),
		tracker: newBatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesRunning,
		s.batchRuntime,
		s.tasks,
		s.taskAttempts,
		s.strategyOutcomes,
		s.strategyDuration,
		s.detections,
		s.breakerChanges,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchStart:
		s.batchesStarted.Inc()
		if s.tracker.start(evt.BatchID) {
			s.batchesRunning.Inc()
		}
	case progress.StageBatchDone:
		if evt.Dur > 0 {
			s.batchRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.BatchID) {
			s.batchesRunning.Dec()
		}
	case progress.StageTaskDone:
		result := "failure"
		if evt.Success {
			result = "success"
		}
		s.tasks.WithLabelValues(result).Inc()
		if evt.Count > 0 {
			s.taskAttempts.Observe(float64(evt.Count))
		}
	case progress.StageStrategy:
		s.strategyOutcomes.WithLabelValues(evt.Strategy, evt.Outcome).Inc()
		if evt.Dur > 0 {
			s.strategyDuration.WithLabelValues(evt.Strategy, evt.Outcome).Observe(evt.Dur.Seconds())
		}
	case progress.StageDetection:
		s.detections.WithLabelValues(evt.Strategy, evt.Signal).Inc()
	case progress.StageBreaker:
		s.breakerChanges.WithLabelValues(evt.Strategy, evt.Outcome).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[string]struct{})}
}

func (t *batchTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *batchTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
