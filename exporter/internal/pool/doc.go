// Package pool owns the connection to PostgreSQL.
//
// Pool is created at startup but opens nothing until the first query, so the
// HTTP listener can bind while the database is down. Every acquire is bounded
// by an acquire timeout and the number of open connections by
// MaxConnections, which is the only concurrency bound shared by all
// collectors.
//
// Probe performs the minimal connectivity round trip and is the only writer
// of pg_up.
package pool
