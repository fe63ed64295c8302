package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgexporter/pg_exporter/exporter/internal/api"
	"github.com/pgexporter/pg_exporter/exporter/internal/collector"
	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
	"github.com/pgexporter/pg_exporter/exporter/internal/pool"
	"github.com/pgexporter/pg_exporter/exporter/internal/scrape"
	"github.com/pgexporter/pg_exporter/exporter/internal/selfmon"
)

// --- test helpers -----------------------------------------------------------

type pinger struct{ down atomic.Bool }

func (p *pinger) Ping(context.Context) error {
	if p.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

// sizes is a collector reporting one gauge, or failing when broken is set.
type sizes struct {
	fam    *exposition.Family
	snap   *exposition.Snapshot
	broken atomic.Bool
}

func newSizes() *sizes {
	f := exposition.Gauge("pg_database_size_bytes", "size", "datname")
	return &sizes{fam: f, snap: exposition.NewSnapshot(f)}
}

func (s *sizes) Name() string                            { return "database" }
func (s *sizes) EnabledByDefault() bool                  { return true }
func (s *sizes) Register(reg *exposition.Registry) error { return reg.Register(s.snap) }
func (s *sizes) Reset()                                  { s.snap.Reset() }

func (s *sizes) Scrape(ctx context.Context, _ collector.Querier) error {
	if s.broken.Load() {
		return errors.New("permission denied for function pg_database_size")
	}
	b := exposition.NewBatch()
	b.Add(s.fam, 8192, "app")
	s.snap.Replace(b)
	return nil
}

type fixture struct {
	handler http.Handler
	pinger  *pinger
	sizes   *sizes
}

func newFixture(t *testing.T, commit string) *fixture {
	t.Helper()
	return newTracedFixture(t, commit, nil)
}

func newTracedFixture(t *testing.T, commit string, tp trace.TracerProvider) *fixture {
	t.Helper()
	reg := exposition.NewRegistry()
	p := &pinger{}
	probe := pool.NewProbe(p, time.Second)
	if err := probe.Register(reg); err != nil {
		t.Fatalf("probe Register: %v", err)
	}
	metrics := selfmon.NewScrapeMetrics()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("metrics Register: %v", err)
	}
	httpMetrics := selfmon.NewHTTPMetrics()
	if err := httpMetrics.Register(reg); err != nil {
		t.Fatalf("http Register: %v", err)
	}
	s := newSizes()
	creg, err := collector.NewRegistry([]collector.Collector{s}, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := creg.Register(reg); err != nil {
		t.Fatalf("collectors Register: %v", err)
	}

	state := scrape.NewState(nil, probe, reg, metrics)
	orch := scrape.New(state, creg, scrape.Options{
		Timeout:            time.Second,
		SkipOnProbeFailure: true,
		ProbeInline:        true,
		TracerProvider:     tp,
	})

	h := api.New(state, api.Options{
		Name:    "pg_exporter",
		Version: "1.2.3",
		Commit:  commit,
		Source:  orch.Scrape,
		HTTP:    httpMetrics,

		TracerProvider: tp,
	})
	return &fixture{handler: h, pinger: p, sizes: s}
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- /metrics ---------------------------------------------------------------

func TestMetrics_Healthy(t *testing.T) {
	f := newFixture(t, "")
	rr := do(t, f.handler, http.MethodGet, "/metrics")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") || !strings.Contains(ct, "version=0.0.4") {
		t.Errorf("content type: got %q", ct)
	}
	body := rr.Body.String()
	if cl := rr.Header().Get("Content-Length"); cl != strconv.Itoa(len(body)) {
		t.Errorf("content length: got %q, body has %d bytes", cl, len(body))
	}
	for _, want := range []string{"pg_up 1", `pg_database_size_bytes{datname="app"} 8192`} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestMetrics_DatabaseDownStill200(t *testing.T) {
	f := newFixture(t, "")
	f.pinger.down.Store(true)

	rr := do(t, f.handler, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "pg_up 0") {
		t.Errorf("pg_up 0 missing:\n%s", body)
	}
	if strings.Contains(body, `pg_database_size_bytes{`) {
		t.Errorf("dependent metric present while down:\n%s", body)
	}
	if !strings.Contains(body, "# TYPE pg_database_size_bytes gauge") {
		t.Errorf("family header missing:\n%s", body)
	}
}

func TestMetrics_CollectorFailureStill200(t *testing.T) {
	f := newFixture(t, "")
	f.sizes.broken.Store(true)

	rr := do(t, f.handler, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `pg_exporter_collector_scrape_errors_total{collector="database"} 1`) {
		t.Errorf("error counter missing:\n%s", body)
	}
	if !strings.Contains(body, "pg_up 1") {
		t.Errorf("collector failure changed pg_up:\n%s", body)
	}
}

func TestMetrics_Head(t *testing.T) {
	f := newFixture(t, "")
	rr := do(t, f.handler, http.MethodHead, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("HEAD returned a body of %d bytes", rr.Body.Len())
	}
}

func TestMetrics_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, "")
	rr := do(t, f.handler, http.MethodPost, "/metrics")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

func TestMetrics_ConcurrentRequestsComplete(t *testing.T) {
	f := newFixture(t, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := httptest.NewRecorder()
			f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `pg_database_size_bytes{datname="app"}`) {
				t.Errorf("incomplete response: %d", rr.Code)
			}
		}()
	}
	wg.Wait()
}

func TestMetrics_HTTPInstrumentation(t *testing.T) {
	f := newFixture(t, "")
	do(t, f.handler, http.MethodGet, "/health")
	rr := do(t, f.handler, http.MethodGet, "/metrics")

	want := `pg_exporter_http_requests_total{code="200",handler="health",method="get"} 1`
	if !strings.Contains(rr.Body.String(), want) {
		t.Errorf("missing %q in:\n%s", want, rr.Body.String())
	}
}

// --- /health ----------------------------------------------------------------

func TestHealth_Up(t *testing.T) {
	f := newFixture(t, "0123456789abcdef")
	do(t, f.handler, http.MethodGet, "/metrics")

	rr := do(t, f.handler, http.MethodGet, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("X-App"); got != "pg_exporter:1.2.3:0123456" {
		t.Errorf("X-App: got %q", got)
	}

	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Database != "ok" || resp.Name != "pg_exporter" || resp.Version != "1.2.3" {
		t.Errorf("response: %+v", resp)
	}
	if len(resp.Collectors) != 1 || resp.Collectors[0].Name != "database" || !resp.Collectors[0].Success {
		t.Errorf("collectors: %+v", resp.Collectors)
	}
}

func TestHealth_Down(t *testing.T) {
	f := newFixture(t, "")
	f.pinger.down.Store(true)

	rr := do(t, f.handler, http.MethodGet, "/health")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Database != "error" {
		t.Errorf("database: got %q", resp.Database)
	}
	if !strings.Contains(resp.Error, "connection refused") {
		t.Errorf("error: got %q", resp.Error)
	}
}

func TestHealth_ShortCommitOmittedFromHeader(t *testing.T) {
	f := newFixture(t, "abc")
	rr := do(t, f.handler, http.MethodGet, "/health")
	if got := rr.Header().Get("X-App"); got != "pg_exporter:1.2.3" {
		t.Errorf("X-App: got %q", got)
	}
}

func TestHealth_HeadAndOptionsHaveNoBody(t *testing.T) {
	f := newFixture(t, "")
	for _, method := range []string{http.MethodHead, http.MethodOptions} {
		rr := do(t, f.handler, method, "/health")
		if rr.Code != http.StatusOK {
			t.Errorf("%s status: got %d", method, rr.Code)
		}
		if rr.Body.Len() != 0 {
			t.Errorf("%s body: %q", method, rr.Body.String())
		}
	}

	f.pinger.down.Store(true)
	if rr := do(t, f.handler, http.MethodHead, "/health"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("HEAD while down: got %d, want 503", rr.Code)
	}
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, "")
	rr := do(t, f.handler, http.MethodDelete, "/health")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// --- / ------------------------------------------------------------------------

func TestLanding(t *testing.T) {
	f := newFixture(t, "")
	rr := do(t, f.handler, http.MethodGet, "/")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `href="/metrics"`) {
		t.Errorf("landing page lacks metrics link:\n%s", rr.Body.String())
	}

	if rr := do(t, f.handler, http.MethodGet, "/nope"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown path: got %d, want 404", rr.Code)
	}
}

// --- tracing ----------------------------------------------------------------

func TestMetrics_RequestSpanParentsScrape(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	f := newTracedFixture(t, "", sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))

	if rr := do(t, f.handler, http.MethodGet, "/metrics"); rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}

	byName := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range sr.Ended() {
		byName[s.Name()] = s
	}
	req, cycle, coll := byName["GET /metrics"], byName["scrape.cycle"], byName["scrape.collector"]
	if req == nil || cycle == nil || coll == nil {
		names := make([]string, 0, len(byName))
		for n := range byName {
			names = append(names, n)
		}
		t.Fatalf("missing spans, got %v", names)
	}
	if req.SpanKind() != trace.SpanKindServer {
		t.Errorf("request span kind: got %v, want server", req.SpanKind())
	}
	if cycle.Parent().SpanID() != req.SpanContext().SpanID() {
		t.Error("scrape.cycle is not a child of the request span")
	}
	if coll.Parent().SpanID() != cycle.SpanContext().SpanID() {
		t.Error("scrape.collector is not a child of scrape.cycle")
	}
	if coll.SpanContext().TraceID() != req.SpanContext().TraceID() {
		t.Error("collector span is in a different trace")
	}
}

func TestHealth_TracedWithoutScrape(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	f := newTracedFixture(t, "", sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))

	do(t, f.handler, http.MethodGet, "/health")

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	if len(names) != 1 || names[0] != "GET /health" {
		t.Errorf("spans: got %v, want [GET /health]", names)
	}
}
