package selfmon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dto "github.com/prometheus/client_model/go"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

// HTTPMetrics counts and times requests to the exporter's own endpoints.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics builds the HTTP instrumentation families.
func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pg_exporter_http_requests_total",
			Help: "HTTP requests served, by handler, status code and method.",
		}, []string{"handler", "code", "method"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pg_exporter_http_request_duration_seconds",
			Help:    "HTTP request latency, by handler and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler", "method"}),
	}
}

// Register adds the HTTP families to reg.
func (m *HTTPMetrics) Register(reg *exposition.Registry) error {
	if err := reg.Register(m.requests, exposition.Schema{
		Name: "pg_exporter_http_requests_total",
		Help: "HTTP requests served, by handler, status code and method.",
		Type: dto.MetricType_COUNTER,
	}); err != nil {
		return err
	}
	return reg.Register(m.duration, exposition.Schema{
		Name: "pg_exporter_http_request_duration_seconds",
		Help: "HTTP request latency, by handler and method.",
		Type: dto.MetricType_HISTOGRAM,
	})
}

// Instrument wraps h so its requests are counted and timed under handler.
func (m *HTTPMetrics) Instrument(handler string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": handler}
	return promhttp.InstrumentHandlerDuration(
		m.duration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.requests.MustCurryWith(labels), h),
	)
}

// RegisterBuildInfo adds pg_exporter_build_info to reg.
func RegisterBuildInfo(reg *exposition.Registry) error {
	return reg.Register(version.NewCollector("pg_exporter"))
}
