// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit contacts and GET /v1/jobs/{job_id} for progress.
//   - GET /v1/controller plus POST start, stop, and recover to drive the loop.
//   - GET /v1/providers/stats for per-provider fetch statistics.
package api
