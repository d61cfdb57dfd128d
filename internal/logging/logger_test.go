// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestWithServiceAndBatch(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	logger := WithBatch(WithService(zap.New(core), "extractor", "v1"), "nightly")
	logger.Info("batch started")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["service"] != "extractor" || fields["version"] != "v1" || fields["batch_id"] != "nightly" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestWithServiceEmptyName(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	WithService(zap.New(core), "", "v1").Info("plain")
	if got := logs.All()[0].ContextMap(); len(got) != 0 {
		t.Fatalf("expected no fields, got %v", got)
	}
}
