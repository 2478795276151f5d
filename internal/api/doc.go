// Package api hosts the HTTP server, middleware and handlers. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/catalog for the current snapshot, /v1/catalog/{path} for a subtree.
//   - GET /ws for the real-time snapshot feed.
package api
