// Package scrape runs scrape cycles.
//
// A cycle checks connectivity, fans out every enabled collector under a
// concurrency limit and a per-collector timeout, records one Result per
// collector and renders the shared registry. Collector failures, timeouts
// and panics are contained to the collector that produced them; the cycle
// always yields a complete rendering.
//
// Requests that arrive while a cycle is running wait for that cycle and
// share its output.
package scrape
