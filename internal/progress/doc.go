// Package progress provides the event primitives and the non-blocking hub that
// the extraction pipeline reports to. The hub implements extraction.Observer,
// batches events on a background goroutine and fans them out to pluggable sinks
// such as Prometheus metrics, structured logs or persistent storage.
package progress
