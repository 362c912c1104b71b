package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/fleetmon/internal/admin"
	"github.com/example/fleetmon/internal/config"
	"github.com/example/fleetmon/internal/engine"
	"github.com/example/fleetmon/internal/fleet"
	"github.com/example/fleetmon/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/fleetmon.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetmon %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting fleet monitor",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("breaker_features", len(cfg.Breakers.Features)),
	)

	// Local transport adapters: in-process fleet accounting fed through
	// the engine's ingest surface, plus host resource gauges.
	tracker := fleet.NewTracker()

	eng, err := engine.New(engine.Options{
		Config:         cfg,
		ConnSource:     tracker,
		ResourceSource: fleet.NewResourceSampler(tracker),
		FeatureSource:  tracker,
		Prober:         tracker.Prober(),
		Executor:       tracker,
	})
	if err != nil {
		logging.Error("Failed to create engine", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logging.Error("Failed to start engine", zap.Error(err))
		os.Exit(1)
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(cfg.Admin, eng)
		go func() {
			if err := adminServer.Start(); err != nil {
				logging.Error("admin server error", zap.Error(err))
				stop()
			}
		}()
	}

	// Hot-reload alerting thresholds, triggers and rules on config changes.
	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logging.Warn("config watcher disabled", zap.Error(err))
	} else {
		watcher.OnChange(func(next *config.Config) {
			if err := eng.ApplyAlertingConfig(next); err != nil {
				logging.Error("failed to apply alerting config", zap.Error(err))
			}
		})
		if err := watcher.Start(); err != nil {
			logging.Warn("config watcher disabled", zap.Error(err))
		}
		defer watcher.Stop()
	}

	<-ctx.Done()
	logging.Info("Shutting down")

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("admin server shutdown error", zap.Error(err))
		}
		cancel()
	}
	eng.Stop()
}
