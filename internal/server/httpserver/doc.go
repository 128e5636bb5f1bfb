// Package httpserver provides the side-channel HTTP server for
// operational endpoints, separate from the RESP protocol server.
//
// This package implements a small management API using stdlib
// net/http:
//
//   - Health endpoints: /healthz, /readyz, /status
//   - Metrics: /metrics (Prometheus exposition format)
//
// Features:
//
//   - Middleware chain: RequestID, RateLimit, Audit, Recover
//   - Graceful shutdown with configurable timeout
//   - Prometheus metrics integration via internal/telemetry/metric
package httpserver
