package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: upper bound on how long the oldest buffered event waits (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches observer events and fans them out to sinks. Emit and OnEvent
// never block; when the buffer is full the event is dropped and counted.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter

	dropped      atomic.Int64
	unreported   atomic.Int64
	sinkFailures atomic.Int64
	closed       atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
	now       func() time.Time
}

var _ extraction.Observer = (*Hub)(nil)

// NewHub starts the batching goroutine over the given sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		now:         time.Now,
	}
	go h.run()
	return h
}

// OnEvent implements extraction.Observer. Unknown event names are ignored.
func (h *Hub) OnEvent(name string, attrs map[string]any) {
	if h == nil {
		return
	}
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	evt, ok := FromObserver(name, attrs, now())
	if !ok {
		return
	}
	h.Emit(evt)
}

// Dropped returns the total number of events lost to backpressure.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// SinkFailures returns how many Consume calls returned an error.
func (h *Hub) SinkFailures() int64 {
	if h == nil {
		return 0
	}
	return h.sinkFailures.Load()
}

// Emit enqueues a valid Event. Events emitted after Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.unreported.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.unreported.Swap(0)),
				zap.Int64("dropped_total", h.dropped.Load()),
			)
		}
	}
}

// Close stops intake, flushes what is buffered, closes the sinks and waits for
// the batching goroutine. Only the first call's ctx is used for sink Close.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// run owns the pending batch. The flush timer starts with the first event of a
// batch, so MaxBatchWait bounds the age of the oldest event even under a steady
// trickle.
func (h *Hub) run() {
	defer close(h.doneCh)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var deadline *time.Timer
	var due <-chan time.Time

	flush := func() {
		if deadline != nil {
			deadline.Stop()
			deadline, due = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		h.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				flush()
			} else if deadline == nil {
				deadline = time.NewTimer(h.cfg.MaxBatchWait)
				due = deadline.C
			}
		case <-due:
			flush()
		case <-h.stopCh:
			for drained := false; !drained; {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
					if len(batch) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					drained = true
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

// deliver hands every sink its own copy of the batch, each under SinkTimeout.
func (h *Hub) deliver(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, append([]Event(nil), batch...))
		cancel()
		if err != nil {
			h.sinkFailures.Add(1)
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// rateLimiter allows one event per interval across goroutines.
type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
