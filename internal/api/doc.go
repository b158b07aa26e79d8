// Package api hosts the read-only status server for a running crawl:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/crawl for the crawl state.
//   - GET /v1/crawl/links for the latest round's link table, optionally
//     filtered with ?rank=.
package api
