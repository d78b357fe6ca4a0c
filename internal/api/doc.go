// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/articles/{article_id}/publish to queue a publish run.
//   - POST /v1/scrape to queue any scrape job variant.
//   - GET /v1/jobs/{job_id} for job status, progress and result, scoped to
//     the X-User-ID owner and with credentials removed.
//   - /v1/scheduler/... to inspect and control recurring tasks.
package api
