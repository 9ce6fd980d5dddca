// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sites and /v1/breakers for registry and circuit inspection.
//   - POST /v1/runs to execute a synchronous run and return the output document.
package api
