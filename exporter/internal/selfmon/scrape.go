package selfmon

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	dto "github.com/prometheus/client_model/go"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

// DurationBuckets are the histogram buckets of collector scrape durations.
var DurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// ErrUnrecorded is the failure recorded when a Timer finishes without an
// explicit outcome.
var ErrUnrecorded = errors.New("scrape finished without recording an outcome")

// ScrapeMetrics instruments collector invocations and scrape cycles.
type ScrapeMetrics struct {
	duration      *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	lastTimestamp *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec
	scrapes       prometheus.Counter
	cycle         prometheus.Gauge
	series        prometheus.Gauge

	now func() time.Time
}

// NewScrapeMetrics builds the scrape instrumentation families.
func NewScrapeMetrics() *ScrapeMetrics {
	return &ScrapeMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pg_exporter_collector_scrape_duration_seconds",
			Help:    "Duration of a collector scrape.",
			Buckets: DurationBuckets,
		}, []string{"collector"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pg_exporter_collector_scrape_errors_total",
			Help: "Collector scrapes that failed or timed out.",
		}, []string{"collector"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pg_exporter_collector_skipped_total",
			Help: "Collector scrapes skipped because the database was unreachable.",
		}, []string{"collector"}),
		lastTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_exporter_collector_last_scrape_timestamp_seconds",
			Help: "Time of the collector's last scrape attempt, in seconds since the epoch.",
		}, []string{"collector"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_exporter_collector_last_scrape_success",
			Help: "Whether the collector's last scrape succeeded.",
		}, []string{"collector"}),
		scrapes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pg_exporter_scrapes_total",
			Help: "Completed scrape cycles.",
		}),
		cycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pg_exporter_scrape_cycle_duration_seconds",
			Help: "Duration of the most recent scrape cycle.",
		}),
		series: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pg_exporter_metrics_total",
			Help: "Series in the previous rendered exposition; each rendering reports the count of the one before it.",
		}),
		now: time.Now,
	}
}

// Register adds every family to reg. Vectors are registered with their
// schema so they render before the first observation.
func (m *ScrapeMetrics) Register(reg *exposition.Registry) error {
	vecs := []struct {
		c prometheus.Collector
		s exposition.Schema
	}{
		{m.duration, exposition.Schema{Name: "pg_exporter_collector_scrape_duration_seconds", Help: "Duration of a collector scrape.", Type: dto.MetricType_HISTOGRAM}},
		{m.errors, exposition.Schema{Name: "pg_exporter_collector_scrape_errors_total", Help: "Collector scrapes that failed or timed out.", Type: dto.MetricType_COUNTER}},
		{m.skipped, exposition.Schema{Name: "pg_exporter_collector_skipped_total", Help: "Collector scrapes skipped because the database was unreachable.", Type: dto.MetricType_COUNTER}},
		{m.lastTimestamp, exposition.Schema{Name: "pg_exporter_collector_last_scrape_timestamp_seconds", Help: "Time of the collector's last scrape attempt, in seconds since the epoch.", Type: dto.MetricType_GAUGE}},
		{m.lastSuccess, exposition.Schema{Name: "pg_exporter_collector_last_scrape_success", Help: "Whether the collector's last scrape succeeded.", Type: dto.MetricType_GAUGE}},
	}
	for _, v := range vecs {
		if err := reg.Register(v.c, v.s); err != nil {
			return err
		}
	}
	for _, c := range []prometheus.Collector{m.scrapes, m.cycle, m.series} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Init creates zero-valued error and skip counters for every collector so
// rate() works from the first failure on.
func (m *ScrapeMetrics) Init(collectors ...string) {
	for _, c := range collectors {
		m.errors.WithLabelValues(c)
		m.skipped.WithLabelValues(c)
	}
}

// Start begins timing one invocation of collector.
func (m *ScrapeMetrics) Start(collector string) *Timer {
	return &Timer{m: m, collector: collector, start: m.now()}
}

// Skip records an invocation that did not run.
func (m *ScrapeMetrics) Skip(collector string) {
	m.skipped.WithLabelValues(collector).Inc()
	m.lastSuccess.WithLabelValues(collector).Set(0)
	m.lastTimestamp.WithLabelValues(collector).Set(unixSeconds(m.now()))
}

// CycleDone records a completed scrape cycle.
func (m *ScrapeMetrics) CycleDone(d time.Duration) {
	m.scrapes.Inc()
	m.cycle.Set(d.Seconds())
}

// SetSeries records the series count of the latest rendering.
func (m *ScrapeMetrics) SetSeries(n int) {
	m.series.Set(float64(n))
}

// Timer measures one collector invocation. Only the first of Success,
// Failure and Finish has any effect.
type Timer struct {
	m         *ScrapeMetrics
	collector string
	start     time.Time
	done      atomic.Bool
}

// Success records a successful invocation. It reports whether this call
// recorded the outcome.
func (t *Timer) Success() bool { return t.record(nil) }

// Failure records a failed invocation.
func (t *Timer) Failure(err error) bool {
	if err == nil {
		err = ErrUnrecorded
	}
	return t.record(err)
}

// Finish records a failure unless an outcome was already recorded. Callers
// defer it right after Start.
func (t *Timer) Finish() bool { return t.record(ErrUnrecorded) }

// Elapsed returns the time since Start.
func (t *Timer) Elapsed() time.Duration { return t.m.now().Sub(t.start) }

func (t *Timer) record(err error) bool {
	if !t.done.CompareAndSwap(false, true) {
		return false
	}
	now := t.m.now()
	t.m.duration.WithLabelValues(t.collector).Observe(now.Sub(t.start).Seconds())
	t.m.lastTimestamp.WithLabelValues(t.collector).Set(unixSeconds(now))
	if err != nil {
		t.m.errors.WithLabelValues(t.collector).Inc()
		t.m.lastSuccess.WithLabelValues(t.collector).Set(0)
		return true
	}
	t.m.lastSuccess.WithLabelValues(t.collector).Set(1)
	return true
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
