package collector

import (
	"context"
	"fmt"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

const activityQuery = `SELECT COALESCE(datname, '') AS datname,
	COALESCE(state, 'unknown') AS state,
	count(*) AS count,
	count(*) FILTER (WHERE wait_event IS NOT NULL) AS waiting,
	COALESCE(max(extract(epoch FROM now() - xact_start)), 0)::float8 AS max_tx_duration
FROM pg_stat_activity
WHERE backend_type = 'client backend'`

type activityRow struct {
	Datname       string  `db:"datname"`
	State         string  `db:"state"`
	Count         int64   `db:"count"`
	Waiting       int64   `db:"waiting"`
	MaxTxDuration float64 `db:"max_tx_duration"`
}

// Activity reports client connections from pg_stat_activity.
type Activity struct {
	base
	exclude []string

	count    *exposition.Family
	waiting  *exposition.Family
	maxTxAge *exposition.Family
}

// NewActivity returns the activity collector.
func NewActivity(opts Options) *Activity {
	c := &Activity{
		exclude:  opts.ExcludeDatabases,
		count:    exposition.Gauge("pg_stat_activity_count", "Client connections by database and state.", "datname", "state"),
		waiting:  exposition.Gauge("pg_stat_activity_waiting_count", "Client connections waiting on an event.", "datname", "state"),
		maxTxAge: exposition.Gauge("pg_stat_activity_max_tx_duration_seconds", "Age of the oldest open transaction.", "datname", "state"),
	}
	c.base = newBase("activity", true, c.count, c.waiting, c.maxTxAge)
	return c
}

func (c *Activity) Scrape(ctx context.Context, q Querier) error {
	query, args, err := excluding(activityQuery, "AND", "datname", c.exclude)
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	var rows []activityRow
	if err := q.SelectContext(ctx, &rows, query+" GROUP BY 1, 2", args...); err != nil {
		return fmt.Errorf("pg_stat_activity: %w", err)
	}

	b := exposition.NewBatch()
	for _, r := range rows {
		b.Add(c.count, float64(r.Count), r.Datname, r.State)
		b.Add(c.waiting, float64(r.Waiting), r.Datname, r.State)
		b.Add(c.maxTxAge, r.MaxTxDuration, r.Datname, r.State)
	}
	return c.publish(ctx, b)
}
