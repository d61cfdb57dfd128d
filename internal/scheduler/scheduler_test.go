package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

type fakeExtractor struct {
	delay   time.Duration
	outcome func(task extraction.Task) extraction.Result

	inFlight atomic.Int32
	peak     atomic.Int32

	mu    sync.Mutex
	order []string
}

func (f *fakeExtractor) Extract(ctx context.Context, task extraction.Task) extraction.Result {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.order = append(f.order, task.ID)
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
	if f.outcome != nil {
		return f.outcome(task)
	}
	return extraction.Result{Task: task, Success: true, StrategyUsed: "headless-primary", Attempts: 1}
}

func tasks(batchID string, n int) []extraction.Task {
	out := make([]extraction.Task, n)
	for i := range out {
		out[i] = extraction.Task{ID: fmt.Sprintf("%s-%d", batchID, i), URL: fmt.Sprintf("https://example.com/%d", i)}
	}
	return out
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	t.Parallel()

	fx := &fakeExtractor{delay: 10 * time.Millisecond}
	s := New(fx, Config{MaxConcurrent: 3}, nil, nil)
	res := s.RunBatch(context.Background(), "b", tasks("b", 10))

	require.Equal(t, "b", res.BatchID)
	require.Len(t, res.Results, 10)
	require.LessOrEqual(t, fx.peak.Load(), int32(3))
	require.Equal(t, 10, res.Stats.Total)
	require.Equal(t, 10, res.Stats.Successful)
	require.InDelta(t, 1.0, res.Stats.SuccessRate, 1e-9)
	require.Equal(t, map[string]int{"headless-primary": 10}, res.Stats.ByStrategy)
}

func TestRunBatchWavesSettleBeforeNext(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		finished = map[string]bool{}
		violated atomic.Bool
	)
	batch := tasks("w", 4)
	fx := &fakeExtractor{}
	fx.outcome = func(task extraction.Task) extraction.Result {
		mu.Lock()
		defer mu.Unlock()
		if task.ID == "w-2" || task.ID == "w-3" {
			if !finished["w-0"] || !finished["w-1"] {
				violated.Store(true)
			}
		}
		finished[task.ID] = true
		return extraction.Result{Task: task, Success: true, StrategyUsed: "s"}
	}
	fx.delay = 5 * time.Millisecond

	s := New(fx, Config{MaxConcurrent: 2}, nil, nil)
	s.RunBatch(context.Background(), "w", batch)
	require.False(t, violated.Load(), "second wave started before the first settled")
}

func TestRunBatchStats(t *testing.T) {
	t.Parallel()

	fx := &fakeExtractor{outcome: func(task extraction.Task) extraction.Result {
		switch task.ID {
		case "s-0":
			return extraction.Result{Task: task, Success: true, StrategyUsed: "headless-stealth", Attempts: 2,
				Detections: []extraction.Signal{{Kind: extraction.SignalCloudflare, Marker: ".cf-browser-verification"}}}
		case "s-1":
			return extraction.Result{Task: task, Attempts: 3, Error: "quality: too short (200 chars)"}
		default:
			return extraction.Result{Task: task, Success: true, StrategyUsed: "headless-primary", Attempts: 1}
		}
	}}
	res := New(fx, Config{MaxConcurrent: 5}, nil, nil).RunBatch(context.Background(), "s", tasks("s", 3))
	require.Equal(t, extraction.Stats{
		Total:       3,
		Successful:  2,
		Failed:      1,
		Detected:    1,
		SuccessRate: 2.0 / 3.0,
		ByStrategy:  map[string]int{"headless-stealth": 1, "headless-primary": 1},
	}, res.Stats)

	res.SortByTaskID()
	require.Equal(t, "s-0", res.Results[0].Task.ID)
	require.Equal(t, "s-2", res.Results[2].Task.ID)
}

func TestRunBatchEmpty(t *testing.T) {
	t.Parallel()

	var events []string
	obs := extraction.ObserverFunc(func(name string, _ map[string]any) { events = append(events, name) })
	res := New(&fakeExtractor{}, Config{}, obs, nil).RunBatch(context.Background(), "e", nil)
	require.Empty(t, res.Results)
	require.Zero(t, res.Stats.Total)
	require.Zero(t, res.Stats.SuccessRate)
	require.Equal(t, []string{extraction.EventBatchStarted, extraction.EventBatchFinished}, events)
}

func TestRunBatchCancellationMarksUnstarted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	fx := &fakeExtractor{delay: time.Hour}
	fx.outcome = func(task extraction.Task) extraction.Result {
		return extraction.Result{Task: task, Attempts: 1, Error: "headless-primary: context canceled"}
	}
	s := New(fx, Config{MaxConcurrent: 2}, nil, nil)

	done := make(chan extraction.BatchResult, 1)
	go func() { done <- s.RunBatch(ctx, "c", tasks("c", 6)) }()
	require.Eventually(t, func() bool { return fx.inFlight.Load() == 2 }, time.Second, time.Millisecond)
	cancel()

	var res extraction.BatchResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not return after cancellation")
	}
	require.Len(t, res.Results, 6)
	require.Equal(t, 6, res.Stats.Failed)
	for _, r := range res.Results[2:] {
		require.Equal(t, context.Canceled.Error(), r.Error)
		require.Zero(t, r.Attempts)
	}
	require.Len(t, fx.order, 2)
}

func TestWaveDelayVariance(t *testing.T) {
	t.Parallel()

	s := New(&fakeExtractor{}, Config{WaveDelay: time.Second}, nil, nil)
	require.Equal(t, time.Second, s.WaveDelay())

	s = New(&fakeExtractor{}, Config{WaveDelay: time.Second, RandomizeDelay: true}, nil, nil)
	s.jitter = func() float64 { return 0 }
	require.Equal(t, 700*time.Millisecond, s.WaveDelay())
	s.jitter = func() float64 { return 0.5 }
	require.Equal(t, time.Second, s.WaveDelay())

	s.jitter = rand01
	for range 50 {
		d := s.WaveDelay()
		require.GreaterOrEqual(t, d, 700*time.Millisecond)
		require.Less(t, d, 1300*time.Millisecond)
	}
}

func rand01() float64 { return float64(time.Now().UnixNano()%1000) / 1000 }

func TestRunBatchPausesBetweenWaves(t *testing.T) {
	t.Parallel()

	var pauses []time.Duration
	s := New(&fakeExtractor{}, Config{MaxConcurrent: 2, WaveDelay: 250 * time.Millisecond}, nil, nil)
	s.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}
	s.RunBatch(context.Background(), "p", tasks("p", 5))
	require.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, pauses)
}
