package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Zero-valued
// fields are omitted to keep batch events short.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("batch_id", evt.BatchID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.TaskID != "" {
			fields = append(fields, zap.String("task_id", evt.TaskID), zap.String("url", evt.URL))
		}
		if evt.Strategy != "" {
			fields = append(fields, zap.String("strategy", evt.Strategy))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", evt.Outcome))
		}
		if evt.Signal != "" {
			fields = append(fields, zap.String("signal", evt.Signal))
		}
		if evt.Summary != nil {
			fields = append(fields,
				zap.Int("total", evt.Summary.Total),
				zap.Int("successful", evt.Summary.Successful),
				zap.Int("failed", evt.Summary.Failed),
				zap.Int("detected", evt.Summary.Detected),
			)
		}
		fields = append(fields,
			zap.Bool("success", evt.Success),
			zap.Int("count", evt.Count),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
