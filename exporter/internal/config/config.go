package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultListenAddress         = ":9432"
	DefaultMetricsPath           = "/metrics"
	DefaultHealthPath            = "/health"
	DefaultLogLevel              = "info"
	DefaultDSN                   = "postgresql://postgres@localhost:5432/postgres"
	DefaultDSNEnv                = "PG_EXPORTER_DSN"
	DefaultMaxConnections        = 3
	DefaultAcquireTimeout        = 5 * time.Second
	DefaultMaxLifetime           = 2 * time.Minute
	DefaultScrapeTimeout         = 5 * time.Second
	DefaultConcurrency           = 4
	DefaultProbeTimeout          = 3 * time.Second
	DefaultProcessSampleInterval = 15 * time.Second
)

// Environment variables that override file values.
const (
	EnvListenAddress    = "PG_EXPORTER_LISTEN_ADDRESS"
	EnvExcludeDatabases = "PG_EXPORTER_EXCLUDE_DATABASES"
	EnvLogLevel         = "PG_EXPORTER_LOG_LEVEL"
)

// Config is the full exporter configuration. Fields map 1:1 to
// config.example.yaml.
type Config struct {
	Exporter   ExporterConfig             `yaml:"exporter"`
	Pool       PoolConfig                 `yaml:"pool"`
	Scrape     ScrapeConfig               `yaml:"scrape"`
	Collectors map[string]CollectorConfig `yaml:"collectors"`
}

// ExporterConfig holds the HTTP surface and connection target.
type ExporterConfig struct {
	// ListenAddress is the host:port the HTTP server binds.
	ListenAddress string `yaml:"listen_address"`

	MetricsPath string `yaml:"metrics_path"`
	HealthPath  string `yaml:"health_path"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// DSN is the PostgreSQL connection string. The variable named by DSNEnv
	// takes precedence when set, so credentials can stay out of the file.
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`

	// ExcludeDatabases are left out of per-database metrics.
	ExcludeDatabases []string `yaml:"exclude_databases"`
}

// ConnString returns the DSN resolved from the environment, falling back to
// the literal DSN.
func (e ExporterConfig) ConnString() string {
	if e.DSNEnv != "" {
		if v := os.Getenv(e.DSNEnv); v != "" {
			return v
		}
	}
	return e.DSN
}

// PoolConfig bounds connections to PostgreSQL.
type PoolConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
}

// ScrapeConfig tunes scrape cycles.
type ScrapeConfig struct {
	// Interval runs cycles on a timer when non-zero. Zero scrapes on each
	// /metrics request.
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds one collector unless overridden per collector.
	Timeout time.Duration `yaml:"timeout"`

	// Concurrency caps collectors running at once.
	Concurrency int `yaml:"concurrency"`

	// ProbeInterval runs the connectivity probe on its own cadence when
	// non-zero. Zero probes at the start of every cycle.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`

	// SkipOnProbeFailure skips collectors while the database is down.
	SkipOnProbeFailure *bool `yaml:"skip_on_probe_failure"`

	ProcessSampleInterval time.Duration `yaml:"process_sample_interval"`
}

// SkipDependents reports the effective skip policy (default true).
func (s ScrapeConfig) SkipDependents() bool {
	return s.SkipOnProbeFailure == nil || *s.SkipOnProbeFailure
}

// CollectorConfig overrides one collector.
type CollectorConfig struct {
	Enabled *bool         `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// RestartRequired lists the sections of updated that differ from c in ways
// a running exporter cannot apply. log_level is live and never listed.
func (c *Config) RestartRequired(updated *Config) []string {
	var changed []string
	cur, next := c.Exporter, updated.Exporter
	cur.LogLevel, next.LogLevel = "", ""
	if !reflect.DeepEqual(cur, next) || c.Exporter.ConnString() != updated.Exporter.ConnString() {
		changed = append(changed, "exporter")
	}
	if c.Pool != updated.Pool {
		changed = append(changed, "pool")
	}
	if !reflect.DeepEqual(c.Scrape, updated.Scrape) {
		changed = append(changed, "scrape")
	}
	if !collectorsEqual(c.Collectors, updated.Collectors) {
		changed = append(changed, "collectors")
	}
	return changed
}

// collectorsEqual compares overrides by effective value, so an absent map
// equals an empty one.
func collectorsEqual(a, b map[string]CollectorConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ca := range a {
		cb, ok := b[name]
		if !ok || ca.Timeout != cb.Timeout {
			return false
		}
		if (ca.Enabled == nil) != (cb.Enabled == nil) {
			return false
		}
		if ca.Enabled != nil && *ca.Enabled != *cb.Enabled {
			return false
		}
	}
	return true
}

// Load reads and parses the YAML config file at path, then applies
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Exporter: ExporterConfig{
			ListenAddress: DefaultListenAddress,
			MetricsPath:   DefaultMetricsPath,
			HealthPath:    DefaultHealthPath,
			LogLevel:      DefaultLogLevel,
			DSN:           DefaultDSN,
			DSNEnv:        DefaultDSNEnv,
		},
		Pool: PoolConfig{
			MaxConnections: DefaultMaxConnections,
			AcquireTimeout: DefaultAcquireTimeout,
			MaxLifetime:    DefaultMaxLifetime,
		},
		Scrape: ScrapeConfig{
			Timeout:               DefaultScrapeTimeout,
			Concurrency:           DefaultConcurrency,
			ProbeTimeout:          DefaultProbeTimeout,
			ProcessSampleInterval: DefaultProcessSampleInterval,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvListenAddress); v != "" {
		cfg.Exporter.ListenAddress = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Exporter.LogLevel = v
	}
	if v := os.Getenv(EnvExcludeDatabases); v != "" {
		var dbs []string
		for _, db := range strings.Split(v, ",") {
			if db = strings.TrimSpace(db); db != "" {
				dbs = append(dbs, db)
			}
		}
		cfg.Exporter.ExcludeDatabases = dbs
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	e := cfg.Exporter
	if e.ListenAddress == "" {
		return fmt.Errorf("exporter.listen_address is required")
	}
	if !strings.HasPrefix(e.MetricsPath, "/") {
		return fmt.Errorf("exporter.metrics_path must start with /, got %q", e.MetricsPath)
	}
	if !strings.HasPrefix(e.HealthPath, "/") {
		return fmt.Errorf("exporter.health_path must start with /, got %q", e.HealthPath)
	}
	if e.MetricsPath == e.HealthPath {
		return fmt.Errorf("exporter.metrics_path and exporter.health_path must differ")
	}
	if _, err := ParseLevel(e.LogLevel); err != nil {
		return err
	}
	if e.ConnString() == "" {
		return fmt.Errorf("exporter.dsn is required")
	}

	if cfg.Pool.MaxConnections < 1 {
		return fmt.Errorf("pool.max_connections must be at least 1, got %d", cfg.Pool.MaxConnections)
	}
	if cfg.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive")
	}
	if cfg.Pool.MaxLifetime < 0 {
		return fmt.Errorf("pool.max_lifetime must not be negative")
	}

	s := cfg.Scrape
	if s.Interval < 0 || s.ProbeInterval < 0 {
		return fmt.Errorf("scrape intervals must not be negative")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("scrape.timeout must be positive")
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("scrape.concurrency must be at least 1, got %d", s.Concurrency)
	}
	if s.ProbeTimeout <= 0 {
		return fmt.Errorf("scrape.probe_timeout must be positive")
	}

	for name, c := range cfg.Collectors {
		if c.Timeout < 0 {
			return fmt.Errorf("collectors.%s.timeout must not be negative", name)
		}
	}
	return nil
}
