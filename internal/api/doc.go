// Package api hosts the operational HTTP surface. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/collectors/... for current status, history and daily summaries.
//   - POST /v1/collectors/{id}/run to start a manual run.
package api
