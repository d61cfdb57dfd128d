// Package sinks holds the progress.Sink implementations wired by the server:
// a zap log sink, Prometheus counters for stages and strategy outcomes, and a
// store sink that keeps per-batch run rows in Postgres up to date.
package sinks
