// Package api hosts the HTTP server, middleware, and REST handlers of the
// storefront back end. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/analyses submits a document; 200 when analyzed inline, 202
//     with a job id otherwise. Requires X-Internal-Auth.
//   - GET /v1/jobs/{job_id} polls a queued analysis.
//   - POST /v1/calculations prices a configuration against a verified
//     analysis. Requires X-Internal-Auth.
//   - POST /v1/cart commits the session's last quote as an order.
//   - DELETE /v1/session discards the session's token.
package api
