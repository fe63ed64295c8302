package collector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

const replicaQuery = `SELECT pg_is_in_recovery() AS is_replica,
	extract(epoch FROM now() - pg_last_xact_replay_timestamp())::float8 AS lag_seconds`

const slotsQuery = `SELECT slot_name,
	slot_type,
	COALESCE(database, '') AS database,
	active,
	pg_wal_lsn_diff(
		CASE WHEN pg_is_in_recovery() THEN pg_last_wal_receive_lsn() ELSE pg_current_wal_lsn() END,
		restart_lsn)::float8 AS retained_bytes
FROM pg_replication_slots`

type replicaRow struct {
	IsReplica  bool            `db:"is_replica"`
	LagSeconds sql.NullFloat64 `db:"lag_seconds"`
}

type slotRow struct {
	SlotName      string          `db:"slot_name"`
	SlotType      string          `db:"slot_type"`
	Database      string          `db:"database"`
	Active        bool            `db:"active"`
	RetainedBytes sql.NullFloat64 `db:"retained_bytes"`
}

// Replication reports standby status and replication slot usage.
type Replication struct {
	base
	isReplica   *exposition.Family
	lag         *exposition.Family
	slotActive  *exposition.Family
	slotRetains *exposition.Family
}

// NewReplication returns the replication collector. It is disabled by
// default.
func NewReplication() *Replication {
	slot := []string{"slot_name", "slot_type", "database"}
	c := &Replication{
		isReplica:   exposition.Gauge("pg_replication_is_replica", "Whether the server is in recovery (1) or primary (0)."),
		lag:         exposition.Gauge("pg_replication_lag_seconds", "Time since the last replayed transaction on a replica."),
		slotActive:  exposition.Gauge("pg_replication_slots_active", "Whether the replication slot is in use.", slot...),
		slotRetains: exposition.Gauge("pg_replication_slots_wal_retained_bytes", "WAL retained by the replication slot.", slot...),
	}
	c.base = newBase("replication", false, c.isReplica, c.lag, c.slotActive, c.slotRetains)
	return c
}

func (c *Replication) Scrape(ctx context.Context, q Querier) error {
	var replica replicaRow
	if err := q.GetContext(ctx, &replica, replicaQuery); err != nil {
		return fmt.Errorf("recovery status: %w", err)
	}
	var slots []slotRow
	if err := q.SelectContext(ctx, &slots, slotsQuery); err != nil {
		return fmt.Errorf("pg_replication_slots: %w", err)
	}

	b := exposition.NewBatch()
	b.Add(c.isReplica, boolValue(replica.IsReplica))
	if replica.IsReplica && replica.LagSeconds.Valid {
		b.Add(c.lag, replica.LagSeconds.Float64)
	}
	for _, s := range slots {
		b.Add(c.slotActive, boolValue(s.Active), s.SlotName, s.SlotType, s.Database)
		if s.RetainedBytes.Valid {
			b.Add(c.slotRetains, s.RetainedBytes.Float64, s.SlotName, s.SlotType, s.Database)
		}
	}
	return c.publish(ctx, b)
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
