// domohistd is the home-automation event history daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/domohist/domohist/internal/api"
	"github.com/domohist/domohist/internal/change"
	"github.com/domohist/domohist/internal/history"
	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/logging"
	"github.com/domohist/domohist/internal/stream"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "0.0.0.0:9380", "HTTP listen address")
	coldDir := flag.String("cold-dir", "", "cold segment directory (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	jsonLogs := flag.Bool("json-logs", false, "log as JSON")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logging.Init(level, *jsonLogs)
	log := logging.Component("main")
	log.Info("domohistd starting", "version", Version)

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no config file found, using defaults")
			cfg = config.Default()
		} else {
			log.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *coldDir != "" {
		cfg.Cold.Dir = *coldDir
	}

	if err := cfg.EnsureDirectories(); err != nil {
		log.Error("create directories", "error", err)
		os.Exit(1)
	}

	// Metrics registry
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// History engine: hot store, cold store, tiering, query
	hist, err := history.NewService(cfg)
	if err != nil {
		log.Error("create history service", "error", err)
		os.Exit(1)
	}
	history.RegisterMetrics(promReg, hist)

	// Stream layer: subscriptions and notification fan-out
	registry := stream.NewRegistry(cfg)
	dispatcher := stream.NewDispatcher(cfg, registry, stream.NewMetrics(promReg))

	// Change detector feeds both history and the dispatcher
	detector := change.New(cfg, hist.Hot(), dispatcher.Dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hist.Start(ctx)
	detector.Start(ctx)

	srv := api.NewServer(*listen, hist, registry, dispatcher, detector, promReg)

	// Shutdown ordering matters: stop accepting subscriptions, drain the
	// dispatcher, then flush storage. Closing storage first would discard
	// unflushed events.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")

		registry.Freeze()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}

		dispatcher.Shutdown()
		detector.Stop()
		hist.Stop()
		cancel()
	}()

	log.Info("listening", "addr", *listen, "cold_dir", cfg.Cold.Dir)
	if err := srv.Start(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
