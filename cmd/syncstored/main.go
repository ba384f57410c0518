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

	"github.com/syncstore/syncstore/internal/adapter"
	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/internal/coordinator"
	"github.com/syncstore/syncstore/internal/health"
	"github.com/syncstore/syncstore/internal/metrics"
	"github.com/syncstore/syncstore/internal/scheduler"
	"github.com/syncstore/syncstore/pkg/api"
	"github.com/syncstore/syncstore/pkg/retry"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Global.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("syncstored failed", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = lvl
	}
	return zapCfg.Build()
}

func run(cfg *config.Configuration, logger *zap.Logger) error {
	ctx := context.Background()

	retryCfg := retry.DefaultConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelay > 0 {
		retryCfg.InitialDelay = cfg.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		retryCfg.MaxDelay = cfg.Retry.MaxDelay
	}

	adapters, err := buildAdapters(ctx, cfg, retryCfg, logger)
	if err != nil {
		return err
	}

	primary, ok := adapters[cfg.Coordinator.Primary]
	if !ok {
		return fmt.Errorf("primary adapter %q is not enabled", cfg.Coordinator.Primary)
	}
	var fallbacks []adapter.Adapter
	for _, name := range cfg.Coordinator.Fallbacks {
		fb, ok := adapters[name]
		if !ok {
			return fmt.Errorf("fallback adapter %q is not enabled", name)
		}
		fallbacks = append(fallbacks, fb)
	}

	collector, err := metrics.NewCollector(metrics.Config{
		Enabled:   cfg.Monitoring.MetricsEnabled,
		Port:      cfg.Global.MetricsPort,
		Namespace: cfg.Monitoring.MetricsNamespace,
	})
	if err != nil {
		return err
	}
	if err := collector.Start(); err != nil {
		return err
	}

	coord, err := coordinator.New(cfg.Coordinator, primary, fallbacks, collector, logger)
	if err != nil {
		return err
	}
	coord.StartAutoSync()

	sched := scheduler.New(cfg.Scheduler, logger,
		scheduler.WithMetrics(collector),
		scheduler.WithStateProvider(coordinator.NewStateSnapshotter(coord)))

	all := make([]adapter.Adapter, 0, len(adapters))
	for _, a := range adapters {
		all = append(all, a)
	}
	checker := health.NewChecker(health.Config{
		Interval: cfg.Monitoring.HealthCheckInterval,
		Timeout:  cfg.Monitoring.HealthCheckTimeout,
		HTTPPort: cfg.Global.HealthPort,
	}, all, logger)
	checker.Start()

	apiCfg := api.DefaultServerConfig()
	if cfg.Global.APIAddress != "" {
		apiCfg.Address = cfg.Global.APIAddress
	}
	server := api.NewServer(apiCfg, coord, sched, checker, logger)
	server.StartBackground()

	logger.Info("syncstored started",
		zap.String("api", apiCfg.Address),
		zap.String("primary", cfg.Coordinator.Primary),
		zap.Strings("fallbacks", cfg.Coordinator.Fallbacks),
		zap.Bool("auto_sync", cfg.Coordinator.EnableSync))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	if err := checker.Stop(shutdownCtx); err != nil {
		logger.Warn("health checker shutdown", zap.Error(err))
	}
	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", zap.Error(err))
	}
	if err := coord.Close(); err != nil {
		logger.Warn("coordinator shutdown", zap.Error(err))
	}

	logger.Info("syncstored stopped")
	return nil
}

func buildAdapters(ctx context.Context, cfg *config.Configuration, retryCfg retry.Config, logger *zap.Logger) (map[string]adapter.Adapter, error) {
	adapters := map[string]adapter.Adapter{
		"memory": adapter.NewMemoryAdapter("memory"),
	}

	if cfg.Adapters.KV.Enabled {
		kv, err := adapter.NewKVAdapter(cfg.Adapters.KV, retryCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("kv adapter: %w", err)
		}
		adapters["kv"] = kv
	}
	if cfg.Adapters.SQLite.Enabled {
		db, err := adapter.NewSQLiteAdapter(cfg.Adapters.SQLite, retryCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite adapter: %w", err)
		}
		adapters["sqlite"] = db
	}
	if cfg.Adapters.Remote.Enabled {
		remote, err := adapter.NewRemoteAdapter(ctx, cfg.Adapters.Remote, retryCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("remote adapter: %w", err)
		}
		adapters["remote"] = remote
	}

	return adapters, nil
}
