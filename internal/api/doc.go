// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs, GET /v1/jobs[/{job_id}], POST /v1/jobs/{job_id}/stop
//     for job control through the job manager.
//   - GET /v1/bits, /v1/bits/search, /v1/bits/{bit_id} and
//     /v1/bits/{bit_id}/references for reading extracted learning bits.
package api
