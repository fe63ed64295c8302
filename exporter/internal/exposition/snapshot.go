package exposition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	dto "github.com/prometheus/client_model/go"
)

// Family is a metric family owned by a Snapshot: its schema plus the
// ordered label names every sample carries.
type Family struct {
	Schema
	Labels []string

	desc *prometheus.Desc
}

// NewFamily describes a family. typ must be GAUGE, COUNTER or UNTYPED.
func NewFamily(name, help string, typ dto.MetricType, labels ...string) *Family {
	return &Family{
		Schema: Schema{Name: name, Help: help, Type: typ},
		Labels: labels,
		desc:   prometheus.NewDesc(name, help, labels, nil),
	}
}

// Gauge is shorthand for NewFamily with a GAUGE type.
func Gauge(name, help string, labels ...string) *Family {
	return NewFamily(name, help, dto.MetricType_GAUGE, labels...)
}

// Counter is shorthand for NewFamily with a COUNTER type.
func Counter(name, help string, labels ...string) *Family {
	return NewFamily(name, help, dto.MetricType_COUNTER, labels...)
}

// Desc returns the prometheus descriptor of the family.
func (f *Family) Desc() *prometheus.Desc { return f.desc }

func (f *Family) valueType() prometheus.ValueType {
	switch f.Type {
	case dto.MetricType_COUNTER:
		return prometheus.CounterValue
	case dto.MetricType_GAUGE:
		return prometheus.GaugeValue
	default:
		return prometheus.UntypedValue
	}
}

// Snapshot serves the samples of the last successful collection of a set
// of families. Replacing the snapshot is atomic with respect to Collect.
type Snapshot struct {
	families []*Family

	mu      sync.RWMutex
	metrics []prometheus.Metric
}

// NewSnapshot returns an empty snapshot over families.
func NewSnapshot(families ...*Family) *Snapshot {
	return &Snapshot{families: families}
}

// Schemas implements Schemer.
func (s *Snapshot) Schemas() []Schema {
	out := make([]Schema, 0, len(s.families))
	for _, f := range s.families {
		out = append(out, f.Schema)
	}
	return out
}

// Describe implements prometheus.Collector.
func (s *Snapshot) Describe(ch chan<- *prometheus.Desc) {
	for _, f := range s.families {
		ch <- f.desc
	}
}

// Collect implements prometheus.Collector.
func (s *Snapshot) Collect(ch chan<- prometheus.Metric) {
	s.mu.RLock()
	metrics := s.metrics
	s.mu.RUnlock()
	for _, m := range metrics {
		ch <- m
	}
}

// Replace swaps in the samples of b. Series absent from b are gone
// after the call.
func (s *Snapshot) Replace(b *Batch) {
	metrics := b.Metrics()
	s.mu.Lock()
	s.metrics = metrics
	s.mu.Unlock()
}

// Publish replaces the samples with b unless ctx has expired or the run
// carrying ctx was abandoned through its Gate.
func (s *Snapshot) Publish(ctx context.Context, b *Batch) error {
	g, _ := ctx.Value(gateKey{}).(*Gate)
	if g != nil {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			return ErrAbandoned
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Replace(b)
	if g != nil {
		g.published = true
	}
	return nil
}

// Reset drops every sample.
func (s *Snapshot) Reset() {
	s.mu.Lock()
	s.metrics = nil
	s.mu.Unlock()
}

// Len returns the number of samples currently served.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.metrics)
}

// Batch accumulates the samples of one collection run. A later Add with
// the same family and label values overwrites the earlier sample.
type Batch struct {
	metrics []prometheus.Metric
	index   map[string]int
	err     error
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{index: make(map[string]int)}
}

// Add records one sample. Label value count mismatches are collected into
// Err rather than panicking.
func (b *Batch) Add(f *Family, value float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(f.desc, f.valueType(), value, labelValues...)
	if err != nil {
		b.err = errors.Join(b.err, fmt.Errorf("%s: %w", f.Name, err))
		return
	}
	key := f.Name + "\xff" + strings.Join(labelValues, "\xff")
	if i, ok := b.index[key]; ok {
		b.metrics[i] = m
		return
	}
	b.index[key] = len(b.metrics)
	b.metrics = append(b.metrics, m)
}

// Metrics returns the accumulated samples.
func (b *Batch) Metrics() []prometheus.Metric { return b.metrics }

// Len returns the number of accumulated samples.
func (b *Batch) Len() int { return len(b.metrics) }

// Err returns every error recorded by Add.
func (b *Batch) Err() error { return b.err }

// ErrAbandoned is returned by Publish once the run's Gate is closed.
var ErrAbandoned = errors.New("exposition: run abandoned")

type gateKey struct{}

// Gate orders the publication of one run against the run being given up.
// Either the run publishes before Close, or it never publishes.
type Gate struct {
	mu        sync.Mutex
	closed    bool
	published bool
}

// WithGate returns a context whose Publish calls go through g.
func WithGate(ctx context.Context, g *Gate) context.Context {
	return context.WithValue(ctx, gateKey{}, g)
}

// Close blocks later publications and reports whether one already happened.
func (g *Gate) Close() (published bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return g.published
}
