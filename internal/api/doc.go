// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and /v1/batches for submission.
//   - GET /v1/jobs/{id}/status, /v1/jobs/{id}/result and
//     POST /v1/jobs/{id}/cancel for job control.
package api
