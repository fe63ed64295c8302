package selfmon

import (
	"bytes"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	dto "github.com/prometheus/client_model/go"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

// --- test helpers -----------------------------------------------------------

func histogramCount(t *testing.T, m *ScrapeMetrics, collector string) uint64 {
	t.Helper()
	var out dto.Metric
	if err := m.duration.WithLabelValues(collector).(prometheus.Histogram).Write(&out); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return out.GetHistogram().GetSampleCount()
}

func render(t *testing.T, reg *exposition.Registry) string {
	t.Helper()
	var buf bytes.Buffer
	if err := reg.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.String()
}

// --- Timer ------------------------------------------------------------------

func TestTimer_SuccessThenFinish(t *testing.T) {
	m := NewScrapeMetrics()
	tm := m.Start("database")
	if !tm.Success() {
		t.Fatal("Success did not record")
	}
	if tm.Finish() {
		t.Error("Finish recorded after Success")
	}

	if n := histogramCount(t, m, "database"); n != 1 {
		t.Errorf("duration samples: got %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("database")); got != 0 {
		t.Errorf("errors: got %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.lastSuccess.WithLabelValues("database")); got != 1 {
		t.Errorf("last success: got %v, want 1", got)
	}
}

func TestTimer_FinishWithoutOutcomeIsFailure(t *testing.T) {
	m := NewScrapeMetrics()
	func() {
		tm := m.Start("locks")
		defer tm.Finish()
	}()

	if got := testutil.ToFloat64(m.errors.WithLabelValues("locks")); got != 1 {
		t.Errorf("errors: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lastSuccess.WithLabelValues("locks")); got != 0 {
		t.Errorf("last success: got %v, want 0", got)
	}
}

func TestTimer_FinishAfterPanic(t *testing.T) {
	m := NewScrapeMetrics()
	func() {
		defer func() { _ = recover() }()
		tm := m.Start("activity")
		defer tm.Finish()
		panic("collector bug")
	}()

	if n := histogramCount(t, m, "activity"); n != 1 {
		t.Errorf("duration samples: got %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("activity")); got != 1 {
		t.Errorf("errors: got %v, want 1", got)
	}
}

func TestTimer_ConcurrentRecordAtMostOnce(t *testing.T) {
	m := NewScrapeMetrics()
	tm := m.Start("replication")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				tm.Success()
			case 1:
				tm.Failure(errors.New("x"))
			default:
				tm.Finish()
			}
		}(i)
	}
	wg.Wait()

	if n := histogramCount(t, m, "replication"); n != 1 {
		t.Errorf("duration samples: got %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("replication")); got > 1 {
		t.Errorf("errors: got %v, want at most 1", got)
	}
}

func TestTimer_ElapsedUsesClock(t *testing.T) {
	m := NewScrapeMetrics()
	base := time.Unix(1700000000, 0)
	now := base
	m.now = func() time.Time { return now }

	tm := m.Start("default")
	now = base.Add(250 * time.Millisecond)
	if got := tm.Elapsed(); got != 250*time.Millisecond {
		t.Errorf("elapsed: got %v", got)
	}
	tm.Success()
	if got := testutil.ToFloat64(m.lastTimestamp.WithLabelValues("default")); got != 1700000000.25 {
		t.Errorf("last timestamp: got %v", got)
	}
}

func TestScrapeMetrics_SkipAndCycle(t *testing.T) {
	m := NewScrapeMetrics()
	m.Init("database")
	m.Skip("database")
	m.Skip("database")
	m.CycleDone(40 * time.Millisecond)
	m.SetSeries(12)

	if got := testutil.ToFloat64(m.skipped.WithLabelValues("database")); got != 2 {
		t.Errorf("skipped: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("database")); got != 0 {
		t.Errorf("skips counted as errors: %v", got)
	}
	if got := testutil.ToFloat64(m.scrapes); got != 1 {
		t.Errorf("scrapes: got %v", got)
	}
	if got := testutil.ToFloat64(m.series); got != 12 {
		t.Errorf("series: got %v", got)
	}
}

func TestScrapeMetrics_RegisterRendersEmptyFamilies(t *testing.T) {
	reg := exposition.NewRegistry()
	if err := NewScrapeMetrics().Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	out := render(t, reg)
	for _, want := range []string{
		"# TYPE pg_exporter_collector_scrape_duration_seconds histogram",
		"# TYPE pg_exporter_collector_scrape_errors_total counter",
		"pg_exporter_scrapes_total 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

// --- ProcessSampler ---------------------------------------------------------

type fakeProc struct {
	failMemory bool
	failFDs    bool
}

func (f fakeProc) Times() (*cpu.TimesStat, error) { return &cpu.TimesStat{User: 1.5, System: 0.5}, nil }

func (f fakeProc) MemoryInfo() (*process.MemoryInfoStat, error) {
	if f.failMemory {
		return nil, errors.New("not supported")
	}
	return &process.MemoryInfoStat{RSS: 4096, VMS: 8192}, nil
}

func (f fakeProc) NumThreads() (int32, error) { return 7, nil }

func (f fakeProc) NumFDs() (int32, error) {
	if f.failFDs {
		return 0, errors.New("not supported")
	}
	return 11, nil
}

func (f fakeProc) CreateTime() (int64, error) { return 1700000000500, nil }

func fourCores() (int, error) { return 4, nil }

func TestProcessSampler_AllFields(t *testing.T) {
	reg := exposition.NewRegistry()
	s := newProcessSampler(fakeProc{}, fourCores)
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Sample()

	out := render(t, reg)
	for _, want := range []string{
		"pg_exporter_process_cpu_seconds_total 2",
		"pg_exporter_process_cpu_cores 4",
		"pg_exporter_process_resident_memory_bytes 4096",
		"pg_exporter_process_virtual_memory_bytes 8192",
		"pg_exporter_process_threads 7",
		"pg_exporter_process_open_fds 11",
		"pg_exporter_process_start_time_seconds 1.7000000005e+09",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestProcessSampler_UnavailableFieldsOmitted(t *testing.T) {
	reg := exposition.NewRegistry()
	s := newProcessSampler(fakeProc{failMemory: true, failFDs: true}, func() (int, error) { return 0, errors.New("no") })
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Sample()

	out := render(t, reg)
	for _, absent := range []string{
		"pg_exporter_process_resident_memory_bytes ",
		"pg_exporter_process_open_fds ",
		"pg_exporter_process_cpu_cores ",
	} {
		if strings.Contains(out, "\n"+absent) {
			t.Errorf("unavailable field rendered: %q", absent)
		}
	}
	if !strings.Contains(out, "pg_exporter_process_threads 7") {
		t.Errorf("available field missing:\n%s", out)
	}
}

// --- PoolCollector ----------------------------------------------------------

func TestPoolCollector(t *testing.T) {
	stats := sql.DBStats{}
	c := NewPoolCollector(func() sql.DBStats { return stats })

	if n := testutil.CollectAndCount(c); n != 6 {
		t.Fatalf("samples: got %d, want 6", n)
	}

	stats = sql.DBStats{MaxOpenConnections: 3, OpenConnections: 2, InUse: 1, Idle: 1, WaitCount: 5, WaitDuration: 2 * time.Second}
	expected := `
# HELP pg_exporter_pool_in_use_connections Connections currently checked out.
# TYPE pg_exporter_pool_in_use_connections gauge
pg_exporter_pool_in_use_connections 1
# HELP pg_exporter_pool_wait_duration_seconds_total Time spent waiting for a connection.
# TYPE pg_exporter_pool_wait_duration_seconds_total counter
pg_exporter_pool_wait_duration_seconds_total 2
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pg_exporter_pool_in_use_connections", "pg_exporter_pool_wait_duration_seconds_total"); err != nil {
		t.Error(err)
	}
}

// --- HTTPMetrics ------------------------------------------------------------

func TestHTTPMetrics_Instrument(t *testing.T) {
	reg := exposition.NewRegistry()
	m := NewHTTPMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	h := m.Instrument("metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	}

	if got := testutil.ToFloat64(m.requests.WithLabelValues("metrics", "200", "get")); got != 3 {
		t.Errorf("requests: got %v, want 3", got)
	}
}

func TestRegisterBuildInfo(t *testing.T) {
	reg := exposition.NewRegistry()
	if err := RegisterBuildInfo(reg); err != nil {
		t.Fatalf("RegisterBuildInfo: %v", err)
	}
	if !strings.Contains(render(t, reg), "pg_exporter_build_info{") {
		t.Error("build info missing")
	}
}
