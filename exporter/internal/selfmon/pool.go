package selfmon

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	dto "github.com/prometheus/client_model/go"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

// PoolCollector reports connection pool usage at collection time. Before
// the pool is constructed every value is zero.
type PoolCollector struct {
	stats func() sql.DBStats

	maxOpen  *prometheus.Desc
	open     *prometheus.Desc
	inUse    *prometheus.Desc
	idle     *prometheus.Desc
	waits    *prometheus.Desc
	waitTime *prometheus.Desc
}

// NewPoolCollector reads pool statistics from stats.
func NewPoolCollector(stats func() sql.DBStats) *PoolCollector {
	return &PoolCollector{
		stats:    stats,
		maxOpen:  prometheus.NewDesc("pg_exporter_pool_max_connections", "Maximum open connections to PostgreSQL.", nil, nil),
		open:     prometheus.NewDesc("pg_exporter_pool_open_connections", "Open connections to PostgreSQL.", nil, nil),
		inUse:    prometheus.NewDesc("pg_exporter_pool_in_use_connections", "Connections currently checked out.", nil, nil),
		idle:     prometheus.NewDesc("pg_exporter_pool_idle_connections", "Idle pooled connections.", nil, nil),
		waits:    prometheus.NewDesc("pg_exporter_pool_wait_count_total", "Acquires that had to wait for a connection.", nil, nil),
		waitTime: prometheus.NewDesc("pg_exporter_pool_wait_duration_seconds_total", "Time spent waiting for a connection.", nil, nil),
	}
}

// Schemas implements exposition.Schemer.
func (c *PoolCollector) Schemas() []exposition.Schema {
	g, ctr := dto.MetricType_GAUGE, dto.MetricType_COUNTER
	return []exposition.Schema{
		{Name: "pg_exporter_pool_max_connections", Help: "Maximum open connections to PostgreSQL.", Type: g},
		{Name: "pg_exporter_pool_open_connections", Help: "Open connections to PostgreSQL.", Type: g},
		{Name: "pg_exporter_pool_in_use_connections", Help: "Connections currently checked out.", Type: g},
		{Name: "pg_exporter_pool_idle_connections", Help: "Idle pooled connections.", Type: g},
		{Name: "pg_exporter_pool_wait_count_total", Help: "Acquires that had to wait for a connection.", Type: ctr},
		{Name: "pg_exporter_pool_wait_duration_seconds_total", Help: "Time spent waiting for a connection.", Type: ctr},
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.maxOpen
	ch <- c.open
	ch <- c.inUse
	ch <- c.idle
	ch <- c.waits
	ch <- c.waitTime
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.maxOpen, prometheus.GaugeValue, float64(s.MaxOpenConnections))
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(s.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(s.WaitCount))
	ch <- prometheus.MustNewConstMetric(c.waitTime, prometheus.CounterValue, s.WaitDuration.Seconds())
}
