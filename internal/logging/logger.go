// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production. Both write
// to stderr so the run command can keep stdout for its JSON result.
//
// Production output uses Cloud Logging field names (severity, message).
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.OutputPaths = []string{"stderr"}
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// WithService tags every entry with the service name and version.
func WithService(logger *zap.Logger, name, version string) *zap.Logger {
	if name == "" {
		return logger
	}
	fields := []zap.Field{zap.String("service", name)}
	if version != "" {
		fields = append(fields, zap.String("version", version))
	}
	return logger.With(fields...)
}

// WithBatch scopes a logger to one batch.
func WithBatch(logger *zap.Logger, batchID string) *zap.Logger {
	return logger.With(zap.String("batch_id", batchID))
}
