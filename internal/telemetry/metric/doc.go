// Package metric provides Prometheus metrics for the server.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: metric registry and HTTP handler
//   - collector.go: a dynamic collector sampling keyspace size on scrape
//
// Metrics include:
//
//   - Command latency histograms
//   - Connection count gauges
//   - Keyspace hit/miss and eviction counters
//   - Persistence (AOF/snapshot) statistics
//
// Metrics are exposed in Prometheus exposition format by Handler.
package metric
