// Package api serves the exporter's HTTP surface.
//
// Routes (paths configurable):
//   - GET|HEAD /metrics: Prometheus text exposition, always 200
//   - GET|HEAD|OPTIONS /health: JSON status, 200 when PostgreSQL answers a
//     ping and 503 otherwise, plus an X-App identification header
//   - GET /: landing page linking to the metrics path
//
// All other methods on these routes return 405.
package api
