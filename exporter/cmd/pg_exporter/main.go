package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/common/version"

	"github.com/pgexporter/pg_exporter/exporter/internal/api"
	"github.com/pgexporter/pg_exporter/exporter/internal/collector"
	"github.com/pgexporter/pg_exporter/exporter/internal/config"
	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
	"github.com/pgexporter/pg_exporter/exporter/internal/pool"
	"github.com/pgexporter/pg_exporter/exporter/internal/scrape"
	"github.com/pgexporter/pg_exporter/exporter/internal/selfmon"
	"github.com/pgexporter/pg_exporter/exporter/internal/telemetry"
)

const programName = "pg_exporter"

func main() {
	configPath := flag.String("config", "", "path to config file; defaults and PG_EXPORTER_* environment variables apply when empty")
	showVersion := flag.Bool("version", false, "print version information and exit")
	printCollectors := flag.Bool("collectors.print", false, "print the available collectors and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Print(programName))
		return
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	lvl, _ := config.ParseLevel(cfg.Exporter.LogLevel)
	level.Set(lvl)

	collectors, err := collector.NewRegistry(
		collector.Builtins(collector.Options{ExcludeDatabases: cfg.Exporter.ExcludeDatabases}),
		overrides(cfg),
	)
	if err != nil {
		slog.Error("invalid collector configuration", "err", err)
		os.Exit(1)
	}

	if *printCollectors {
		printDescriptors(collectors.Descriptors())
		return
	}

	slog.Info("pg_exporter starting",
		"version", version.Version,
		"revision", version.Revision,
		"config", *configPath,
	)

	// The pool opens nothing until the first scrape, so the listener below
	// binds even with PostgreSQL down.
	db := pool.New(pool.Options{
		DSN:            cfg.Exporter.ConnString(),
		MaxConnections: cfg.Pool.MaxConnections,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		MaxLifetime:    cfg.Pool.MaxLifetime,
	})
	defer db.Close()

	reg := exposition.NewRegistry()
	probe := pool.NewProbe(db, cfg.Scrape.ProbeTimeout)
	metrics := selfmon.NewScrapeMetrics()
	httpMetrics := selfmon.NewHTTPMetrics()

	if err := register(reg, collectors, probe, metrics, httpMetrics, db); err != nil {
		slog.Error("metric registration failed", "err", err)
		os.Exit(1)
	}

	var names []string
	for _, c := range collectors.Enabled() {
		names = append(names, c.Name())
	}
	metrics.Init(names...)
	slog.Info("collectors enabled", "collectors", names)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerProvider, shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Name:    programName,
		Version: version.Version,
	})
	if err != nil {
		slog.Error("failed to set up tracing", "err", err)
		os.Exit(1)
	}
	if tracerProvider != nil {
		slog.Info("tracing enabled", "endpoint", os.Getenv(telemetry.EnvEndpoint))
	}
	defer func() {
		flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "err", err)
		}
	}()

	if sampler, err := selfmon.NewProcessSampler(); err != nil {
		slog.Warn("process metrics unavailable", "err", err)
	} else if err := sampler.Register(reg); err != nil {
		slog.Error("metric registration failed", "err", err)
		os.Exit(1)
	} else {
		go sampler.Run(ctx, cfg.Scrape.ProcessSampleInterval)
	}

	if cfg.Scrape.ProbeInterval > 0 {
		go probe.Run(ctx, cfg.Scrape.ProbeInterval)
	}

	state := scrape.NewState(db, probe, reg, metrics)
	orch := scrape.New(state, collectors, scrape.Options{
		Concurrency:        cfg.Scrape.Concurrency,
		Timeout:            cfg.Scrape.Timeout,
		SkipOnProbeFailure: cfg.Scrape.SkipDependents(),
		ProbeInline:        cfg.Scrape.ProbeInterval == 0,
		TracerProvider:     tracerProvider,
	})

	source := api.Source(orch.Scrape)
	if cfg.Scrape.Interval > 0 {
		source = orch.Latest
		go orch.Run(ctx, cfg.Scrape.Interval)
	}

	if *configPath != "" {
		go func() {
			if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
				applyReload(cfg, updated, level)
			}); err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	handler := api.New(state, api.Options{
		MetricsPath: cfg.Exporter.MetricsPath,
		HealthPath:  cfg.Exporter.HealthPath,
		Name:        programName,
		Version:     version.Version,
		Commit:      version.Revision,
		Source:      source,
		HTTP:        httpMetrics,

		TracerProvider: tracerProvider,
	})

	lis, err := net.Listen("tcp", cfg.Exporter.ListenAddress)
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.Exporter.ListenAddress, "err", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening",
			"addr", lis.Addr().String(),
			"metrics_path", cfg.Exporter.MetricsPath,
			"health_path", cfg.Exporter.HealthPath,
		)
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("pg_exporter shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}

// overrides converts the collectors section into registry overrides.
func overrides(cfg *config.Config) map[string]collector.Override {
	out := make(map[string]collector.Override, len(cfg.Collectors))
	for name, c := range cfg.Collectors {
		out[name] = collector.Override{Enabled: c.Enabled, Timeout: c.Timeout}
	}
	return out
}

// register describes every family in reg before the first scrape.
func register(reg *exposition.Registry, collectors *collector.Registry, probe *pool.Probe,
	metrics *selfmon.ScrapeMetrics, httpMetrics *selfmon.HTTPMetrics, db *pool.Pool) error {
	if err := probe.Register(reg); err != nil {
		return err
	}
	if err := collectors.Register(reg); err != nil {
		return err
	}
	if err := metrics.Register(reg); err != nil {
		return err
	}
	if err := httpMetrics.Register(reg); err != nil {
		return err
	}
	if err := reg.Register(selfmon.NewPoolCollector(db.Stats)); err != nil {
		return err
	}
	return selfmon.RegisterBuildInfo(reg)
}

// applyReload applies the parts of a reloaded config that can change at
// runtime and warns about the rest.
func applyReload(current, updated *config.Config, level *slog.LevelVar) {
	if lvl, err := config.ParseLevel(updated.Exporter.LogLevel); err == nil && lvl != level.Level() {
		level.Set(lvl)
		slog.Info("log level changed", "level", lvl.String())
	}
	if changed := current.RestartRequired(updated); len(changed) > 0 {
		slog.Warn("config changes beyond log_level take effect after restart", "sections", changed)
	}
}

func printDescriptors(ds []collector.Descriptor) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTOR\tDEFAULT\tENABLED")
	for _, d := range ds {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, onOff(d.DefaultEnabled), onOff(d.Enabled))
	}
	w.Flush()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
