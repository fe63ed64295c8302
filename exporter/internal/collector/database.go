package collector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

const databaseQuery = `SELECT d.datname,
	pg_database_size(d.datname) AS size_bytes,
	d.datconnlimit AS connection_limit,
	s.numbackends,
	s.xact_commit,
	s.xact_rollback,
	s.blks_read,
	s.blks_hit,
	s.tup_returned,
	s.tup_fetched,
	s.tup_inserted,
	s.tup_updated,
	s.tup_deleted,
	s.conflicts,
	s.temp_files,
	s.temp_bytes,
	s.deadlocks,
	extract(epoch FROM s.stats_reset)::float8 AS stats_reset
FROM pg_database d
LEFT JOIN pg_stat_database s ON s.datid = d.oid
WHERE d.datallowconn`

type databaseRow struct {
	Datname         string          `db:"datname"`
	SizeBytes       sql.NullInt64   `db:"size_bytes"`
	ConnectionLimit int64           `db:"connection_limit"`
	Numbackends     sql.NullInt64   `db:"numbackends"`
	XactCommit      sql.NullInt64   `db:"xact_commit"`
	XactRollback    sql.NullInt64   `db:"xact_rollback"`
	BlksRead        sql.NullInt64   `db:"blks_read"`
	BlksHit         sql.NullInt64   `db:"blks_hit"`
	TupReturned     sql.NullInt64   `db:"tup_returned"`
	TupFetched      sql.NullInt64   `db:"tup_fetched"`
	TupInserted     sql.NullInt64   `db:"tup_inserted"`
	TupUpdated      sql.NullInt64   `db:"tup_updated"`
	TupDeleted      sql.NullInt64   `db:"tup_deleted"`
	Conflicts       sql.NullInt64   `db:"conflicts"`
	TempFiles       sql.NullInt64   `db:"temp_files"`
	TempBytes       sql.NullInt64   `db:"temp_bytes"`
	Deadlocks       sql.NullInt64   `db:"deadlocks"`
	StatsReset      sql.NullFloat64 `db:"stats_reset"`
}

// Database reports per-database size and pg_stat_database counters.
type Database struct {
	base
	exclude []string

	size         *exposition.Family
	connLimit    *exposition.Family
	backends     *exposition.Family
	xactCommit   *exposition.Family
	xactRollback *exposition.Family
	blksRead     *exposition.Family
	blksHit      *exposition.Family
	hitRatio     *exposition.Family
	tupReturned  *exposition.Family
	tupFetched   *exposition.Family
	tupInserted  *exposition.Family
	tupUpdated   *exposition.Family
	tupDeleted   *exposition.Family
	conflicts    *exposition.Family
	tempFiles    *exposition.Family
	tempBytes    *exposition.Family
	deadlocks    *exposition.Family
	statsReset   *exposition.Family
}

// NewDatabase returns the database collector.
func NewDatabase(opts Options) *Database {
	g := func(name, help string) *exposition.Family { return exposition.Gauge(name, help, "datname") }
	ctr := func(name, help string) *exposition.Family { return exposition.Counter(name, help, "datname") }

	c := &Database{
		exclude:      opts.ExcludeDatabases,
		size:         g("pg_database_size_bytes", "Disk space used by the database."),
		connLimit:    g("pg_database_connection_limit", "Connection limit of the database, -1 for none."),
		backends:     g("pg_stat_database_numbackends", "Backends currently connected to the database."),
		xactCommit:   ctr("pg_stat_database_xact_commit_total", "Transactions committed."),
		xactRollback: ctr("pg_stat_database_xact_rollback_total", "Transactions rolled back."),
		blksRead:     ctr("pg_stat_database_blks_read_total", "Disk blocks read."),
		blksHit:      ctr("pg_stat_database_blks_hit_total", "Disk blocks found in the buffer cache."),
		hitRatio:     g("pg_stat_database_blks_hit_ratio", "Buffer cache hit ratio."),
		tupReturned:  ctr("pg_stat_database_tup_returned_total", "Rows returned by queries."),
		tupFetched:   ctr("pg_stat_database_tup_fetched_total", "Rows fetched by queries."),
		tupInserted:  ctr("pg_stat_database_tup_inserted_total", "Rows inserted."),
		tupUpdated:   ctr("pg_stat_database_tup_updated_total", "Rows updated."),
		tupDeleted:   ctr("pg_stat_database_tup_deleted_total", "Rows deleted."),
		conflicts:    ctr("pg_stat_database_conflicts_total", "Queries canceled due to recovery conflicts."),
		tempFiles:    ctr("pg_stat_database_temp_files_total", "Temporary files created."),
		tempBytes:    ctr("pg_stat_database_temp_bytes_total", "Data written to temporary files."),
		deadlocks:    ctr("pg_stat_database_deadlocks_total", "Deadlocks detected."),
		statsReset:   g("pg_stat_database_stats_reset_seconds", "Time statistics were last reset, in seconds since the epoch."),
	}
	c.base = newBase("database", true,
		c.size, c.connLimit, c.backends, c.xactCommit, c.xactRollback,
		c.blksRead, c.blksHit, c.hitRatio, c.tupReturned, c.tupFetched,
		c.tupInserted, c.tupUpdated, c.tupDeleted, c.conflicts,
		c.tempFiles, c.tempBytes, c.deadlocks, c.statsReset,
	)
	return c
}

func (c *Database) Scrape(ctx context.Context, q Querier) error {
	query, args, err := excluding(databaseQuery, "AND", "d.datname", c.exclude)
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	var rows []databaseRow
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return fmt.Errorf("pg_database: %w", err)
	}

	b := exposition.NewBatch()
	for _, r := range rows {
		db := r.Datname
		addInt(b, c.size, r.SizeBytes, db)
		b.Add(c.connLimit, float64(r.ConnectionLimit), db)
		addInt(b, c.backends, r.Numbackends, db)
		addInt(b, c.xactCommit, r.XactCommit, db)
		addInt(b, c.xactRollback, r.XactRollback, db)
		addInt(b, c.blksRead, r.BlksRead, db)
		addInt(b, c.blksHit, r.BlksHit, db)
		if total := r.BlksHit.Int64 + r.BlksRead.Int64; total > 0 {
			b.Add(c.hitRatio, float64(r.BlksHit.Int64)/float64(total), db)
		}
		addInt(b, c.tupReturned, r.TupReturned, db)
		addInt(b, c.tupFetched, r.TupFetched, db)
		addInt(b, c.tupInserted, r.TupInserted, db)
		addInt(b, c.tupUpdated, r.TupUpdated, db)
		addInt(b, c.tupDeleted, r.TupDeleted, db)
		addInt(b, c.conflicts, r.Conflicts, db)
		addInt(b, c.tempFiles, r.TempFiles, db)
		addInt(b, c.tempBytes, r.TempBytes, db)
		addInt(b, c.deadlocks, r.Deadlocks, db)
		if r.StatsReset.Valid {
			b.Add(c.statsReset, r.StatsReset.Float64, db)
		}
	}
	return c.publish(ctx, b)
}

// addInt records v unless it is NULL.
func addInt(b *exposition.Batch, f *exposition.Family, v sql.NullInt64, labels ...string) {
	if v.Valid {
		b.Add(f, float64(v.Int64), labels...)
	}
}
