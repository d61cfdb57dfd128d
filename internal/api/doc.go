// Package api hosts the HTTP server, middleware, and REST handlers for the
// extractor. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/extract runs a batch synchronously.
//   - POST /v1/batches and GET /v1/batches/{id} submit and poll async jobs.
//   - GET /v1/breakers and /v1/pool expose breaker and pool introspection.
//   - GET /v1/runs, /v1/runs/{batch_id} and /v1/runs/{batch_id}/strategies
//     report persisted progress via the ProgressRepository interface.
package api
