// Package metric provides Prometheus metrics for the server.
//
// It exposes metrics in Prometheus exposition format for monitoring
// connection counts, command rates, latencies, and keyspace health.
package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kvstored"

// Registry holds all application metrics and the Prometheus registry
// they are registered against.
type Registry struct {
	registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ConnectionsCreated prometheus.Counter

	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	KeyspaceHits   prometheus.Counter
	KeyspaceMisses prometheus.Counter
	ExpiredKeys    prometheus.Counter
	EvictedKeys    prometheus.Counter

	AOFWriteBytes         prometheus.Counter
	MemoryBytes           prometheus.Gauge
	SnapshotWriteDuration prometheus.Histogram

	AuthFailures *prometheus.CounterVec
}

// NewRegistry builds a fresh Registry with its own Prometheus registry,
// registering the Go runtime and process collectors alongside the
// server's own metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open client connections.",
		}),
		ConnectionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_created_total",
			Help:      "Total number of client connections accepted.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands processed, by command name and result.",
		}, []string{"command", "result"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		KeyspaceHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyspace_hits_total",
			Help:      "Number of lookups of a key that existed.",
		}),
		KeyspaceMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyspace_misses_total",
			Help:      "Number of lookups of a key that did not exist.",
		}),
		ExpiredKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_keys_total",
			Help:      "Number of keys removed due to TTL expiration.",
		}),
		EvictedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_keys_total",
			Help:      "Number of keys removed due to a maxmemory eviction policy.",
		}),
		AOFWriteBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aof_write_bytes_total",
			Help:      "Total bytes appended to the command log.",
		}),
		MemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Estimated resident size of the keyspace in bytes.",
		}),
		SnapshotWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_write_duration_seconds",
			Help:      "Time taken to write a full snapshot to disk.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Number of failed AUTH attempts, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		r.ConnectionsActive,
		r.ConnectionsCreated,
		r.CommandsTotal,
		r.CommandDuration,
		r.KeyspaceHits,
		r.KeyspaceMisses,
		r.ExpiredKeys,
		r.EvictedKeys,
		r.AOFWriteBytes,
		r.MemoryBytes,
		r.SnapshotWriteDuration,
		r.AuthFailures,
	)
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return r
}

// Register adds an additional prometheus.Collector (such as the
// keyspace Collector) to the registry.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.registry.Register(c)
}

// Handler returns an http.Handler serving this registry's metrics in
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) IncConnectionActive() { r.ConnectionsActive.Inc() }
func (r *Registry) DecConnectionActive() { r.ConnectionsActive.Dec() }
func (r *Registry) SetConnectionActive(n float64) { r.ConnectionsActive.Set(n) }
func (r *Registry) IncConnectionCreated()  { r.ConnectionsCreated.Inc() }

func (r *Registry) RecordCommand(command, result string) {
	r.CommandsTotal.WithLabelValues(command, result).Inc()
}

func (r *Registry) ObserveCommandDuration(command string, seconds float64) {
	r.CommandDuration.WithLabelValues(command).Observe(seconds)
}

func (r *Registry) IncKeyspaceHit()  { r.KeyspaceHits.Inc() }
func (r *Registry) IncKeyspaceMiss() { r.KeyspaceMisses.Inc() }
func (r *Registry) IncExpiredKey()   { r.ExpiredKeys.Inc() }
func (r *Registry) IncEvictedKey()   { r.EvictedKeys.Inc() }

func (r *Registry) AddAOFWriteBytes(n int)        { r.AOFWriteBytes.Add(float64(n)) }
func (r *Registry) SetMemoryBytes(n uint64)       { r.MemoryBytes.Set(float64(n)) }
func (r *Registry) ObserveSnapshotWriteTime(s float64) { r.SnapshotWriteDuration.Observe(s) }

func (r *Registry) RecordAuthFailure(reason string) {
	r.AuthFailures.WithLabelValues(reason).Inc()
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide metrics registry, creating it on
// first use.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry()
	})
	return global
}

// Handler returns an http.Handler serving the global registry's
// metrics.
func Handler() http.Handler {
	return Global().Handler()
}
