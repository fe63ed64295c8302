// Package exposition owns the shared metric registry and renders it in the
// Prometheus text format.
//
// Registry wraps a prometheus.Registry and additionally remembers the static
// Schema (name, help, type) of every family registered through it. Encode
// merges the gathered families with those schemas so a family that has never
// produced a sample is still rendered with its HELP and TYPE lines. Output is
// sorted by family name, and within a family by label values.
//
// Snapshot is a prometheus.Collector that serves a fixed set of const
// metrics. Collectors build a Batch on every successful run and swap it in
// with Replace, which drops series that disappeared since the last run.
// Publish is Replace guarded by the run's context and Gate, so a run the
// caller has given up on cannot overwrite the retained samples.
package exposition
