package api

import (
	"bytes"
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
	"github.com/pgexporter/pg_exporter/exporter/internal/scrape"
	"github.com/pgexporter/pg_exporter/exporter/internal/selfmon"
)

// Source produces the exposition for one /metrics request.
type Source func(ctx context.Context) (*scrape.Output, error)

// Options configure the handler.
type Options struct {
	MetricsPath string
	HealthPath  string

	// Name, Version and Commit identify the build in /health.
	Name    string
	Version string
	Commit  string

	// Source is Orchestrator.Scrape for on-demand scraping or
	// Orchestrator.Latest when a timer drives the cycles.
	Source Source

	// HTTP, when set, counts and times every route.
	HTTP *selfmon.HTTPMetrics

	// TracerProvider, when set, starts a server span per request. Scrape
	// spans started while serving /metrics become its children.
	TracerProvider trace.TracerProvider
}

// Handler is the HTTP handler for every exporter endpoint.
type Handler struct {
	state *scrape.State
	opts  Options
	mux   *http.ServeMux
}

// New creates a Handler wired to state and registers all routes.
func New(state *scrape.State, opts Options) http.Handler {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	h := &Handler{state: state, opts: opts, mux: http.NewServeMux()}

	h.handle("metrics", opts.MetricsPath, h.metrics)
	h.handle("health", opts.HealthPath, h.health)
	h.handle("landing", "/", h.landing)

	return h
}

func (h *Handler) handle(name, path string, fn http.HandlerFunc) {
	var handler http.Handler = fn
	if h.opts.HTTP != nil {
		handler = h.opts.HTTP.Instrument(name, handler)
	}
	if h.opts.TracerProvider != nil {
		handler = otelhttp.NewHandler(handler, name,
			otelhttp.WithTracerProvider(h.opts.TracerProvider),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + path
			}),
		)
	}
	h.mux.Handle(path, handler)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// metrics serves the exposition. The status is 200 no matter what the
// database or the collectors did; pg_up carries availability.
func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body []byte
	out, err := h.opts.Source(r.Context())
	if err == nil {
		body = out.Body
	} else {
		// The caller stopped waiting for the cycle; render what the registry
		// holds right now.
		var buf bytes.Buffer
		if err := h.state.Registry.Encode(&buf); err != nil {
			slog.Error("api: encoding failed, serving partial output", "err", err)
		}
		body = buf.Bytes()
	}

	w.Header().Set("Content-Type", exposition.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(body) //nolint:errcheck
}

// health pings the database and reports the last outcome of every collector.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("X-App", h.appHeader())

	up := h.state.Probe.Check(r.Context())
	code := http.StatusOK
	if !up {
		code = http.StatusServiceUnavailable
	}

	if r.Method != http.MethodGet {
		if r.Method == http.MethodOptions {
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		}
		w.WriteHeader(code)
		return
	}

	resp := HealthResponse{
		Name:       h.opts.Name,
		Version:    h.opts.Version,
		Commit:     h.opts.Commit,
		Database:   "ok",
		Collectors: make([]CollectorResponse, 0),
	}
	if !up {
		resp.Database = "error"
		if err := h.state.Probe.Err(); err != nil {
			resp.Error = err.Error()
		}
	}
	for _, res := range h.state.LastResults() {
		resp.Collectors = append(resp.Collectors, toCollectorResponse(res))
	}
	jsonResp(w, code, resp)
}

var landingTmpl = template.Must(template.New("landing").Parse(`<html>
<head><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}} {{.Version}}</h1>
<p><a href="{{.MetricsPath}}">Metrics</a></p>
<p><a href="{{.HealthPath}}">Health</a></p>
</body>
</html>
`))

// landing serves a small index page on "/" and 404 elsewhere.
func (h *Handler) landing(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := landingTmpl.Execute(w, h.opts); err != nil {
		slog.Error("api: render landing page", "err", err)
	}
}

// --- helpers ----------------------------------------------------------------

// appHeader is "name:version", with the first seven characters of the commit
// appended when a full hash is known.
func (h *Handler) appHeader() string {
	v := h.opts.Name + ":" + h.opts.Version
	if len(h.opts.Commit) > 7 {
		v += ":" + h.opts.Commit[:7]
	}
	return v
}

func toCollectorResponse(r scrape.Result) CollectorResponse {
	out := CollectorResponse{
		Name:            r.Collector,
		Success:         r.Success,
		Skipped:         r.Skipped,
		DurationSeconds: r.Duration.Seconds(),
		LastScrape:      r.Timestamp.UTC().Format(time.RFC3339),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
