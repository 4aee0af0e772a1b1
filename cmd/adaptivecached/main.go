// adaptivecached runs the learned cache replacement engine as a standalone
// service: an HTTP surface for access ingestion and status, a configured
// origin tier behind it, and live config reload.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/adaptivecache/adaptivecache/internal/config"
	"github.com/adaptivecache/adaptivecache/internal/engine"
	"github.com/adaptivecache/adaptivecache/internal/metrics"
	"github.com/adaptivecache/adaptivecache/internal/storage"
	"github.com/adaptivecache/adaptivecache/pkg/api"
	"github.com/adaptivecache/adaptivecache/pkg/health"
	"github.com/adaptivecache/adaptivecache/pkg/logging"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 15 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("adaptivecached", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "adaptivecached:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logService, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logService.Close()
	logger := logService.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	origin, err := storage.NewOrigin(ctx, cfg.Origin, logService.Named("origin"))
	if err != nil {
		return fmt.Errorf("build origin: %w", err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true})
	if err != nil {
		return fmt.Errorf("build metrics collector: %w", err)
	}

	eng, err := engine.New(cfg, origin, collector, logService.Named("engine"))
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	tracker := health.NewTracker(health.DefaultConfig())
	tracker.Register("engine", nil)
	if origin != nil {
		tracker.Register("origin", origin.HealthCheck)
	}
	tracker.OnTransition(func(component string, from, to health.State, err error) {
		logger.Warn("component health changed",
			zap.String("component", component),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Error(err))
	})
	tracker.CheckNow(ctx)
	go tracker.Run(ctx)

	serverCfg := api.DefaultServerConfig()
	serverCfg.Address = cfg.Global.ListenAddress
	server := api.NewServer(serverCfg, eng, tracker, collector, logService.Named("api"))
	server.StartBackground()

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, logService.Named("config"), func(next *config.Configuration) {
			if err := logService.SetLevel(next.Logging.Level); err != nil {
				logger.Warn("rejected log level from config update", zap.Error(err))
			}
			eng.ApplyTunables(next)
		})
		if err != nil {
			logger.Warn("config watcher unavailable, live reload disabled", zap.Error(err))
		}
	}

	originType := cfg.Origin.Type
	if originType == "" {
		originType = "none"
	}
	logger.Info("adaptivecached started",
		zap.String("version", version),
		zap.String("listen", cfg.Global.ListenAddress),
		zap.String("origin", originType),
		zap.Int("capacity", cfg.Engine.Capacity),
		zap.Int("shards", cfg.Engine.Shards))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Close()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := eng.Close(); err != nil {
		logger.Error("engine close", zap.Error(err))
	}
	if origin != nil {
		if err := origin.Close(); err != nil {
			logger.Warn("origin close", zap.Error(err))
		}
	}

	logger.Info("adaptivecached stopped")
	return nil
}
