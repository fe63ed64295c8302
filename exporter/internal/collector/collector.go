package collector

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

// Querier runs read-only queries and scans rows into structs tagged with
// `db`. It is satisfied by *sqlx.DB, *sqlx.Conn and the lazy pool.
type Querier interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Collector is one independent source of PostgreSQL metrics.
type Collector interface {
	// Name is the unique identifier used in configuration and in
	// self-monitoring labels.
	Name() string

	// EnabledByDefault reports whether the collector runs without an
	// explicit configuration override.
	EnabledByDefault() bool

	// Register describes every family the collector may emit. It runs once
	// at startup, before any Scrape.
	Register(reg *exposition.Registry) error

	// Scrape queries PostgreSQL and publishes fresh samples. It returns an
	// error only when a query or the connection fails; data anomalies such
	// as NULLs or missing views are absorbed.
	Scrape(ctx context.Context, q Querier) error
}

// Resetter is implemented by collectors whose retained samples can be
// dropped, e.g. while the database is unreachable.
type Resetter interface {
	Reset()
}

// Options are shared by the built-in collectors.
type Options struct {
	// ExcludeDatabases lists database names left out of per-database
	// metrics.
	ExcludeDatabases []string
}

// Builtins returns a fresh instance of every built-in collector.
func Builtins(opts Options) []Collector {
	return []Collector{
		NewDefault(),
		NewDatabase(opts),
		NewActivity(opts),
		NewLocks(opts),
		NewReplication(),
		NewTLS(),
	}
}

// base carries the bookkeeping every built-in shares.
type base struct {
	name      string
	defaultOn bool
	snap      *exposition.Snapshot
}

func newBase(name string, defaultOn bool, families ...*exposition.Family) base {
	return base{name: name, defaultOn: defaultOn, snap: exposition.NewSnapshot(families...)}
}

func (b *base) Name() string           { return b.name }
func (b *base) EnabledByDefault() bool { return b.defaultOn }

func (b *base) Register(reg *exposition.Registry) error {
	return reg.Register(b.snap)
}

func (b *base) Reset() { b.snap.Reset() }

// publish swaps batch in unless the caller has given up on this run, in
// which case the previous samples stay.
func (b *base) publish(ctx context.Context, batch *exposition.Batch) error {
	if err := batch.Err(); err != nil {
		slog.Warn("collector: dropped malformed samples", "collector", b.name, "err", err)
	}
	return b.snap.Publish(ctx, batch)
}

// excluding appends a NOT IN clause for the excluded databases to query
// and returns it rebound for PostgreSQL placeholders. column is the
// qualified datname column, and cond joins the clause ("WHERE" or "AND").
func excluding(query, cond, column string, exclude []string) (string, []interface{}, error) {
	if len(exclude) == 0 {
		return query, nil, nil
	}
	q, args, err := sqlx.In(query+" "+cond+" ("+column+" IS NULL OR "+column+" NOT IN (?))", exclude)
	if err != nil {
		return "", nil, err
	}
	return sqlx.Rebind(sqlx.DOLLAR, q), args, nil
}
