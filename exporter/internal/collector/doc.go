// Package collector defines the Collector contract, the built-in PostgreSQL
// collectors and the Registry that decides which of them run.
//
// A Collector registers its metric families once at startup and then, on
// every scrape, queries PostgreSQL through a Querier and swaps its samples
// into an exposition.Snapshot. Samples are replaced only when the whole run
// succeeds, so a failed or cancelled run leaves the previous values in place.
//
// Built-ins (default state in parentheses):
//   - default (on): server version, settings and postmaster start time
//   - database (on): per-database size and pg_stat_database counters
//   - activity (on): pg_stat_activity connections by state
//   - locks (on): pg_locks counts by database and mode
//   - replication (off): replica status and replication slot usage
//   - tls (off): TLS connection counts and server certificate validity
//
// NewRegistry resolves enablement (explicit override, else the collector's
// default) and rejects unknown or duplicate collector names with a
// ConfigError.
package collector
