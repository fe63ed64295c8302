// Package config loads and watches the exporter configuration file.
//
// Top-level types:
//   - Config{Exporter, Pool, Scrape, Collectors}: full config tree parsed from YAML
//   - ExporterConfig: listen_address, metrics_path, health_path, log_level,
//     dsn, dsn_env, exclude_databases; ConnString() resolves the DSN from the
//     environment first
//   - PoolConfig: max_connections, acquire_timeout, max_lifetime
//   - ScrapeConfig: interval, timeout, concurrency, probe_interval,
//     probe_timeout, skip_on_probe_failure, process_sample_interval
//   - CollectorConfig: per-collector enabled and timeout overrides
//
// Load(path) applies defaults (":9432", 3 connections, 5s acquire and scrape
// timeouts), parses the YAML file if path is non-empty, applies
// PG_EXPORTER_* environment overrides, then validates.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It watches the parent directory so
// editors that save by rename keep triggering reloads; bursts of events are
// debounced into one reload.
package config
