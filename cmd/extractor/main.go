// Package main is the extractor CLI.
//
// Architecture overview:
//   - Validation: raw tasks are checked for scheme, blocked metadata hosts and literal private
//     addresses before any network call, and given IDs of the form <batch_id>-<index>.
//   - Strategy chain: each task runs through the configured strategies in order. Every leg is
//     rate limited, guarded by a circuit breaker, retried with exponential backoff and bounded
//     by a timeout that shrinks on fallback legs. Content that trips the bot detector or fails
//     the quality gate falls through to the next strategy.
//   - Scheduling: batches run in waves of extraction.max_concurrent with an optional randomized
//     delay between waves. Partial failure never fails the batch.
//   - Serve mode: the chi API offers a synchronous /v1/extract and an async /v1/batches backed by
//     a memory queue, dispatcher and worker pool. Workers store HTML snapshots in the blob store,
//     write rows to Postgres when configured, and publish a completion notification.
//   - Observability: zap logs, Prometheus metrics on /metrics, OpenTelemetry spans and a batching
//     progress hub feeding log, Prometheus and Postgres sinks.
//
// Usage:
//
//	extractor run --config cfg.yaml --input tasks.json [--batch-id id] [--out path]
//	extractor serve --config cfg.yaml
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
