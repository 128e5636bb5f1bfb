package metric

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is implemented by the keyspace engine to expose values
// that must be sampled fresh on every scrape rather than updated
// incrementally.
type StatsSource interface {
	// DBSizes returns the number of keys in each database index.
	DBSizes() map[int]int64
	// ExpiresSizes returns the number of keys with a TTL set in each
	// database index.
	ExpiresSizes() map[int]int64
}

// Collector is a prometheus.Collector that samples keyspace size on
// every scrape instead of tracking it incrementally.
type Collector struct {
	source StatsSource

	dbKeys    *prometheus.Desc
	dbExpires *prometheus.Desc
}

// NewCollector builds a Collector backed by source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		dbKeys: prometheus.NewDesc(
			namespace+"_db_keys",
			"Number of keys in a database.",
			[]string{"db"}, nil,
		),
		dbExpires: prometheus.NewDesc(
			namespace+"_db_expires",
			"Number of keys with an expiry set in a database.",
			[]string{"db"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dbKeys
	ch <- c.dbExpires
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for db, n := range c.source.DBSizes() {
		ch <- prometheus.MustNewConstMetric(c.dbKeys, prometheus.GaugeValue, float64(n), strconv.Itoa(db))
	}
	for db, n := range c.source.ExpiresSizes() {
		ch <- prometheus.MustNewConstMetric(c.dbExpires, prometheus.GaugeValue, float64(n), strconv.Itoa(db))
	}
}
