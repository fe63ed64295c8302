package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pgexporter/pg_exporter/exporter/internal/collector"
	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

// Default values applied when Options fields are zero.
const (
	DefaultConcurrency = 4
	DefaultTimeout     = 5 * time.Second
)

const tracerName = "github.com/pgexporter/pg_exporter/exporter/internal/scrape"

// Options tune the orchestrator.
type Options struct {
	// Concurrency caps collectors running at once.
	Concurrency int

	// Timeout bounds a collector that has no timeout of its own.
	Timeout time.Duration

	// SkipOnProbeFailure skips collectors and clears their samples while
	// the database is unreachable.
	SkipOnProbeFailure bool

	// ProbeInline checks connectivity at the start of every cycle. When
	// false the cycle reads the flag kept by a separately running probe.
	ProbeInline bool

	// TracerProvider receives cycle and collector spans. Nil uses the
	// global provider, which is a no-op unless tracing was set up.
	TracerProvider trace.TracerProvider
}

// Output is the product of one cycle.
type Output struct {
	Body      []byte
	Up        bool
	Series    int
	Results   []Result
	Err       error
	Completed time.Time
	Duration  time.Duration
}

// Orchestrator runs scrape cycles over a fixed collector set.
type Orchestrator struct {
	state      *State
	collectors *collector.Registry
	opts       Options
	tracer     trace.Tracer
	group      singleflight.Group

	mu     sync.RWMutex
	latest *Output
}

// New returns an orchestrator over the enabled collectors of collectors.
func New(state *State, collectors *collector.Registry, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Orchestrator{
		state:      state,
		collectors: collectors,
		opts:       opts,
		tracer:     tp.Tracer(tracerName),
	}
}

// Scrape runs a cycle, or joins the one already in flight, and returns its
// output. The cycle itself is not cancelled by ctx; ctx only bounds how
// long the caller waits.
func (o *Orchestrator) Scrape(ctx context.Context) (*Output, error) {
	ch := o.group.DoChan("cycle", func() (interface{}, error) {
		return o.cycle(context.WithoutCancel(ctx)), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val.(*Output), nil
	}
}

// Latest returns the most recent output, running a cycle if none exists.
func (o *Orchestrator) Latest(ctx context.Context) (*Output, error) {
	o.mu.RLock()
	out := o.latest
	o.mu.RUnlock()
	if out != nil {
		return out, nil
	}
	return o.Scrape(ctx)
}

// Run scrapes immediately and then every interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.Scrape(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("scrape: scheduled cycle abandoned", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context) *Output {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "scrape.cycle")
	defer span.End()

	up := o.checkConnectivity(ctx)

	enabled := o.collectors.Enabled()
	results := make([]Result, len(enabled))

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, c := range enabled {
		if !up && o.opts.SkipOnProbeFailure {
			results[i] = o.skip(ctx, c)
			continue
		}
		g.Go(func() error {
			results[i] = o.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		o.state.Record(r)
	}

	var buf bytes.Buffer
	err := o.state.Registry.Encode(&buf)
	if err != nil {
		slog.Error("scrape: encoding failed, serving partial output", "err", err)
	}
	series := exposition.CountSeries(buf.Bytes())
	elapsed := time.Since(start)

	o.state.Metrics.SetSeries(series)
	o.state.Metrics.CycleDone(elapsed)

	out := &Output{
		Body:      buf.Bytes(),
		Up:        up,
		Series:    series,
		Results:   results,
		Err:       err,
		Completed: time.Now(),
		Duration:  elapsed,
	}
	o.mu.Lock()
	o.latest = out
	o.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("pg.up", up),
		attribute.Int("scrape.collectors", len(enabled)),
		attribute.Int("scrape.series", series),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encoding failed")
	}

	slog.Debug("scrape: cycle complete",
		"up", up,
		"collectors", len(enabled),
		"series", series,
		"duration", elapsed,
	)
	return out
}

func (o *Orchestrator) checkConnectivity(ctx context.Context) bool {
	if !o.opts.ProbeInline {
		return o.state.Probe.Up()
	}
	ctx, span := o.tracer.Start(ctx, "scrape.probe")
	defer span.End()
	up := o.state.Probe.Check(ctx)
	if !up {
		span.RecordError(o.state.Probe.Err())
		span.SetStatus(codes.Error, "database unreachable")
	}
	return up
}

// skip records a collector that did not run because the database is down
// and drops its retained samples.
func (o *Orchestrator) skip(ctx context.Context, c collector.Collector) Result {
	_, span := o.tracer.Start(ctx, "scrape.collector", trace.WithAttributes(
		attribute.String("collector", c.Name()),
		attribute.Bool("collector.skipped", true),
	))
	span.End()

	if r, ok := c.(collector.Resetter); ok {
		r.Reset()
	}
	o.state.Metrics.Skip(c.Name())
	return Result{
		Collector: c.Name(),
		Skipped:   true,
		Err:       o.state.Probe.Err(),
		Timestamp: time.Now(),
	}
}

// run invokes one collector under its timeout. The collector goroutine is
// abandoned on timeout unless it already published; an abandoned run's
// late result is discarded and its gate stops it from publishing.
func (o *Orchestrator) run(ctx context.Context, c collector.Collector) Result {
	name := c.Name()
	timeout := o.collectors.Timeout(name, o.opts.Timeout)

	ctx, span := o.tracer.Start(ctx, "scrape.collector", trace.WithAttributes(
		attribute.String("collector", name),
	))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	gate := &exposition.Gate{}
	cctx = exposition.WithGate(cctx, gate)

	timer := o.state.Metrics.Start(name)
	defer timer.Finish()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		done <- c.Scrape(cctx, o.state.DB)
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		if gate.Close() {
			// Fresh samples are already served; report the run as it ends.
			err = <-done
			break
		}
		select {
		case err = <-done:
		default:
			err = cctx.Err()
		}
	}

	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = &TimeoutError{Collector: name, Timeout: timeout}
	} else if err != nil {
		err = &QueryError{Collector: name, Err: err}
	}

	res := Result{Collector: name, Timestamp: time.Now()}
	if err != nil {
		timer.Failure(err)
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("scrape: collector failed", "collector", name, "err", err)
	} else {
		timer.Success()
		res.Success = true
	}
	res.Duration = timer.Elapsed()
	return res
}
