// Package selfmon reports on the exporter itself: per-collector scrape
// timing and errors, whole-cycle statistics, process resource usage,
// connection pool usage, HTTP request counts and build information.
//
// Every collector invocation is wrapped in a Timer. The invocation records
// its outcome with Success or Failure and defers Finish; whichever runs
// first wins, so each invocation yields exactly one duration observation and
// at most one error increment even when it panics or is abandoned.
package selfmon
