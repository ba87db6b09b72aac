// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - POST /webhooks/runner receives runner completion notifications.
//   - GET /healthz for probes, GET /metrics for Prometheus scraping.
//   - /v1/queue/... and /v1/jobs/{job_id} for operators, behind the API key
//     when auth is enabled.
package api
