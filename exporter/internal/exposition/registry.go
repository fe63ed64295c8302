package exposition

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	dto "github.com/prometheus/client_model/go"
)

// ErrDuplicateFamily is returned when two registrations claim the same
// metric family name.
var ErrDuplicateFamily = errors.New("exposition: duplicate metric family")

// ContentType is the Content-Type header value of rendered output.
var ContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

// Schema is the static description of one metric family.
type Schema struct {
	Name string
	Help string
	Type dto.MetricType
}

// Schemer is implemented by collectors that know their own family schemas.
type Schemer interface {
	Schemas() []Schema
}

// EncodingError reports a failure while gathering or rendering. The output
// written before the failure is still valid exposition text.
type EncodingError struct {
	Family string
	Err    error
}

func (e *EncodingError) Error() string {
	if e.Family == "" {
		return "exposition: encode: " + e.Err.Error()
	}
	return fmt.Sprintf("exposition: encode %s: %v", e.Family, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Registry is the single metric registry shared by every collector and by
// self-monitoring. It is safe for concurrent use.
type Registry struct {
	reg *prometheus.Registry

	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		reg:     prometheus.NewRegistry(),
		schemas: make(map[string]Schema),
	}
}

// Register adds c to the registry. Schemas of c (if it implements Schemer)
// and any extra schemas are recorded so the families render before they
// hold samples. A family name claimed twice yields ErrDuplicateFamily.
func (r *Registry) Register(c prometheus.Collector, extra ...Schema) error {
	var schemas []Schema
	if s, ok := c.(Schemer); ok {
		schemas = append(schemas, s.Schemas()...)
	}
	schemas = append(schemas, extra...)

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(schemas))
	for _, s := range schemas {
		if _, ok := r.schemas[s.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateFamily, s.Name)
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateFamily, s.Name)
		}
		seen[s.Name] = struct{}{}
	}

	if err := r.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return fmt.Errorf("%w: %v", ErrDuplicateFamily, err)
		}
		return fmt.Errorf("exposition: register: %w", err)
	}

	for _, s := range schemas {
		r.schemas[s.Name] = s
	}
	return nil
}

// MustRegister is Register for wiring that cannot fail at runtime.
func (r *Registry) MustRegister(c prometheus.Collector, extra ...Schema) {
	if err := r.Register(c, extra...); err != nil {
		panic(err)
	}
}

// Unregister removes c. Its schemas stay reserved.
func (r *Registry) Unregister(c prometheus.Collector) bool {
	return r.reg.Unregister(c)
}

// Gatherer exposes the underlying registry for promhttp and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Families returns every registered family sorted by name, including
// families with no samples. A gather error is returned alongside whatever
// could be gathered.
func (r *Registry) Families() ([]*dto.MetricFamily, error) {
	gathered, gerr := r.reg.Gather()

	byName := make(map[string]*dto.MetricFamily, len(gathered))
	for _, mf := range gathered {
		byName[mf.GetName()] = mf
	}

	r.mu.RLock()
	for name, s := range r.schemas {
		if _, ok := byName[name]; ok {
			continue
		}
		typ := s.Type
		byName[name] = &dto.MetricFamily{
			Name: strPtr(name),
			Help: strPtr(s.Help),
			Type: &typ,
		}
	}
	r.mu.RUnlock()

	out := make([]*dto.MetricFamily, 0, len(byName))
	for _, mf := range byName {
		out = append(out, mf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out, gerr
}

// Encode writes every family to w in the text exposition format. It keeps
// writing after a family fails and returns the first failure as an
// *EncodingError.
func (r *Registry) Encode(w io.Writer) error {
	families, gerr := r.Families()

	var first error
	if gerr != nil {
		first = &EncodingError{Err: gerr}
	}

	bw := bufio.NewWriter(w)
	for _, mf := range families {
		var err error
		if len(mf.GetMetric()) == 0 {
			err = writeHeader(bw, mf)
		} else {
			_, err = expfmt.MetricFamilyToText(bw, mf)
		}
		if err != nil && first == nil {
			first = &EncodingError{Family: mf.GetName(), Err: err}
		}
	}
	if err := bw.Flush(); err != nil && first == nil {
		first = &EncodingError{Err: err}
	}
	return first
}

// writeHeader renders the HELP and TYPE lines of a family without samples.
func writeHeader(w io.Writer, mf *dto.MetricFamily) error {
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n",
		mf.GetName(), escapeHelp(mf.GetHelp()),
		mf.GetName(), strings.ToLower(mf.GetType().String()))
	return err
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(s string) string { return helpEscaper.Replace(s) }

// CountSeries returns the number of sample lines in rendered output, that is
// every line that is neither blank nor a comment.
func CountSeries(body []byte) int {
	n := 0
	for _, line := range bytes.Split(body, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		n++
	}
	return n
}

func strPtr(s string) *string { return &s }
