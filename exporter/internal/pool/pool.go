package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// Default values applied when Options fields are zero.
const (
	DefaultDriver         = "pgx"
	DefaultMaxConnections = 3
	DefaultAcquireTimeout = 5 * time.Second
	DefaultMaxLifetime    = 2 * time.Minute
)

var (
	// ErrAcquireTimeout is returned when no connection became available
	// within the acquire timeout.
	ErrAcquireTimeout = errors.New("pool: acquire timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pool: closed")
)

// Options configure a Pool.
type Options struct {
	DSN            string
	Driver         string
	MaxConnections int
	AcquireTimeout time.Duration
	MaxLifetime    time.Duration
}

// Pool is a lazily constructed, bounded PostgreSQL connection pool. It
// satisfies collector.Querier.
type Pool struct {
	opts Options
	open func(driverName, dsn string) (*sqlx.DB, error)

	mu     sync.Mutex
	db     *sqlx.DB
	closed bool
}

// New stores opts without touching the network.
func New(opts Options) *Pool {
	if opts.Driver == "" {
		opts.Driver = DefaultDriver
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = DefaultMaxLifetime
	}
	return &Pool{opts: opts, open: sqlx.Open}
}

// handle returns the underlying pool, constructing it on first use.
// sqlx.Open performs no I/O, so holding mu here never blocks on the network.
func (p *Pool) handle() (*sqlx.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.db != nil {
		return p.db, nil
	}
	db, err := p.open(p.opts.Driver, p.opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("pool: open: %w", err)
	}
	db.SetMaxOpenConns(p.opts.MaxConnections)
	db.SetMaxIdleConns(p.opts.MaxConnections)
	db.SetConnMaxLifetime(p.opts.MaxLifetime)
	p.db = db
	return db, nil
}

// Acquire checks out one connection, waiting at most the acquire timeout.
// The caller must Close the returned connection.
func (p *Pool) Acquire(ctx context.Context) (*sqlx.Conn, error) {
	db, err := p.handle()
	if err != nil {
		return nil, err
	}
	actx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	conn, err := db.Connx(actx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrAcquireTimeout, p.opts.AcquireTimeout)
		}
		return nil, fmt.Errorf("pool: acquire: %w", err)
	}
	return conn, nil
}

// SelectContext runs query on a pooled connection and scans all rows into dest.
func (p *Pool) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.SelectContext(ctx, dest, query, args...)
}

// GetContext runs query on a pooled connection and scans one row into dest.
func (p *Pool) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.GetContext(ctx, dest, query, args...)
}

// Ping performs one round trip on a pooled connection.
func (p *Pool) Ping(ctx context.Context) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.PingContext(ctx)
}

// Constructed reports whether the pool has been opened.
func (p *Pool) Constructed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db != nil
}

// Stats returns connection statistics, or zero values before the pool is
// constructed.
func (p *Pool) Stats() sql.DBStats {
	p.mu.Lock()
	db := p.db
	p.mu.Unlock()
	if db == nil {
		return sql.DBStats{}
	}
	return db.Stats()
}

// Close releases every connection. Further use returns ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
