package collector

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

var (
	// ErrUnknownCollector is returned for a configuration override naming
	// no known collector.
	ErrUnknownCollector = errors.New("unknown collector")

	// ErrDuplicateCollector is returned when two collectors share a name.
	ErrDuplicateCollector = errors.New("duplicate collector")
)

// ConfigError is a startup error in the collector set. The process must not
// start serving when one is returned.
type ConfigError struct {
	Collector string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("collector %q: %v", e.Collector, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Override is the per-collector configuration.
type Override struct {
	// Enabled forces the collector on or off. Nil keeps its default.
	Enabled *bool
	// Timeout bounds a single Scrape. Zero means the orchestrator default.
	Timeout time.Duration
}

// Descriptor is the resolved, immutable view of one collector.
type Descriptor struct {
	Name           string        `json:"name"`
	Enabled        bool          `json:"enabled"`
	DefaultEnabled bool          `json:"default_enabled"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// Registry is the fixed set of collectors for the process lifetime.
type Registry struct {
	descriptors []Descriptor
	enabled     []Collector
	timeouts    map[string]time.Duration
}

// NewRegistry resolves overrides against collectors. Collector names must be
// unique and every override must name a known collector.
func NewRegistry(collectors []Collector, overrides map[string]Override) (*Registry, error) {
	byName := make(map[string]Collector, len(collectors))
	for _, c := range collectors {
		if _, ok := byName[c.Name()]; ok {
			return nil, &ConfigError{Collector: c.Name(), Err: ErrDuplicateCollector}
		}
		byName[c.Name()] = c
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := byName[name]; !ok {
			return nil, &ConfigError{Collector: name, Err: ErrUnknownCollector}
		}
	}

	sorted := make([]Collector, len(collectors))
	copy(sorted, collectors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	r := &Registry{timeouts: make(map[string]time.Duration)}
	for _, c := range sorted {
		ov := overrides[c.Name()]
		d := Descriptor{
			Name:           c.Name(),
			DefaultEnabled: c.EnabledByDefault(),
			Enabled:        c.EnabledByDefault(),
			Timeout:        ov.Timeout,
		}
		if ov.Enabled != nil {
			d.Enabled = *ov.Enabled
		}
		r.descriptors = append(r.descriptors, d)
		if d.Enabled {
			r.enabled = append(r.enabled, c)
			r.timeouts[c.Name()] = ov.Timeout
		}
	}
	return r, nil
}

// Register describes every enabled collector's families in reg.
func (r *Registry) Register(reg *exposition.Registry) error {
	for _, c := range r.enabled {
		if err := c.Register(reg); err != nil {
			return &ConfigError{Collector: c.Name(), Err: err}
		}
	}
	return nil
}

// Enabled returns the collectors that run, sorted by name.
func (r *Registry) Enabled() []Collector {
	out := make([]Collector, len(r.enabled))
	copy(out, r.enabled)
	return out
}

// Descriptors returns every known collector, enabled or not, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Timeout returns the configured timeout of name, or fallback when none
// is set.
func (r *Registry) Timeout(name string, fallback time.Duration) time.Duration {
	if d := r.timeouts[name]; d > 0 {
		return d
	}
	return fallback
}
