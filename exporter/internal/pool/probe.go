package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	dto "github.com/prometheus/client_model/go"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

// DefaultProbeTimeout bounds one connectivity check.
const DefaultProbeTimeout = 3 * time.Second

// ErrUnavailable wraps every failed connectivity check.
var ErrUnavailable = errors.New("database unavailable")

// Pinger performs a connectivity round trip.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe tracks database reachability and owns the pg_up gauge.
type Probe struct {
	pinger  Pinger
	timeout time.Duration
	up      atomic.Bool
	gauge   prometheus.Gauge

	mu      sync.Mutex
	lastErr error
	checked time.Time
}

// NewProbe returns a Probe that reports down until its first Check.
func NewProbe(p Pinger, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Probe{
		pinger:  p,
		timeout: timeout,
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pg_up",
			Help: "Whether the last connection to PostgreSQL was successful.",
		}),
	}
}

// Register adds pg_up to reg.
func (p *Probe) Register(reg *exposition.Registry) error {
	return reg.Register(p.gauge, exposition.Schema{
		Name: "pg_up",
		Help: "Whether the last connection to PostgreSQL was successful.",
		Type: dto.MetricType_GAUGE,
	})
}

// Check pings the database and records the outcome. It never panics; any
// failure, including a panicking driver, reports the database as down.
func (p *Probe) Check(ctx context.Context) (ok bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("ping panicked: %v", r)
			}
		}()
		err = p.pinger.Ping(ctx)
	}()

	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.record(err)
	return err == nil
}

// record updates the flag, pg_up and the last error together so readers
// never see them disagree.
func (p *Probe) record(err error) {
	now := err == nil

	p.mu.Lock()
	was := p.up.Swap(now)
	first := p.checked.IsZero()
	p.lastErr = err
	p.checked = time.Now()
	if now {
		p.gauge.Set(1)
	} else {
		p.gauge.Set(0)
	}
	p.mu.Unlock()

	switch {
	case now && (!was || first):
		slog.Info("probe: database reachable")
	case !now && (was || first):
		slog.Warn("probe: database unreachable", "err", err)
	}
}

// Up reports the outcome of the most recent Check.
func (p *Probe) Up() bool { return p.up.Load() }

// Err returns the error of the most recent Check, nil when it succeeded.
func (p *Probe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// LastCheck returns when Check last completed, zero if never.
func (p *Probe) LastCheck() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checked
}

// Run checks connectivity immediately and then every interval until ctx is
// cancelled.
func (p *Probe) Run(ctx context.Context, interval time.Duration) {
	p.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
