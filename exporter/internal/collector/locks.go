package collector

import (
	"context"
	"fmt"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

const locksQuery = `SELECT COALESCE(d.datname, '') AS datname,
	l.mode,
	count(*) AS count
FROM pg_locks l
LEFT JOIN pg_database d ON d.oid = l.database`

type lockRow struct {
	Datname string `db:"datname"`
	Mode    string `db:"mode"`
	Count   int64  `db:"count"`
}

// Locks reports held and awaited locks grouped by database and mode.
type Locks struct {
	base
	exclude []string
	count   *exposition.Family
}

// NewLocks returns the locks collector.
func NewLocks(opts Options) *Locks {
	c := &Locks{
		exclude: opts.ExcludeDatabases,
		count:   exposition.Gauge("pg_locks_count", "Number of locks per database and mode.", "datname", "mode"),
	}
	c.base = newBase("locks", true, c.count)
	return c
}

func (c *Locks) Scrape(ctx context.Context, q Querier) error {
	query, args, err := excluding(locksQuery, "WHERE", "d.datname", c.exclude)
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	var rows []lockRow
	if err := q.SelectContext(ctx, &rows, query+" GROUP BY 1, 2", args...); err != nil {
		return fmt.Errorf("pg_locks: %w", err)
	}

	b := exposition.NewBatch()
	for _, r := range rows {
		b.Add(c.count, float64(r.Count), r.Datname, r.Mode)
	}
	return c.publish(ctx, b)
}
