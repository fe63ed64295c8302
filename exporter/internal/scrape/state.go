package scrape

import (
	"sort"
	"sync"
	"time"

	"github.com/pgexporter/pg_exporter/exporter/internal/collector"
	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
	"github.com/pgexporter/pg_exporter/exporter/internal/pool"
	"github.com/pgexporter/pg_exporter/exporter/internal/selfmon"
)

// Result is the outcome of one collector in one cycle.
type Result struct {
	Collector string
	Duration  time.Duration
	Success   bool
	Skipped   bool
	Err       error
	Timestamp time.Time
}

// State is everything a cycle reads and writes. It is created once in main
// and shared by the orchestrator and the HTTP handlers.
type State struct {
	DB       collector.Querier
	Probe    *pool.Probe
	Registry *exposition.Registry
	Metrics  *selfmon.ScrapeMetrics

	mu   sync.RWMutex
	last map[string]Result
}

// NewState wires the shared pieces together.
func NewState(db collector.Querier, probe *pool.Probe, reg *exposition.Registry, metrics *selfmon.ScrapeMetrics) *State {
	return &State{
		DB:       db,
		Probe:    probe,
		Registry: reg,
		Metrics:  metrics,
		last:     make(map[string]Result),
	}
}

// Record stores r as the latest result of its collector.
func (s *State) Record(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[r.Collector] = r
}

// Last returns the latest result of the named collector.
func (s *State) Last(name string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.last[name]
	return r, ok
}

// LastResults returns the latest result of every collector, sorted by name.
func (s *State) LastResults() []Result {
	s.mu.RLock()
	out := make([]Result, 0, len(s.last))
	for _, r := range s.last {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Collector < out[j].Collector })
	return out
}
