package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/civicreport-sync/internal/bridge"
	"github.com/angelmondragon/civicreport-sync/internal/connectivity"
	"github.com/angelmondragon/civicreport-sync/internal/remote"
	"github.com/angelmondragon/civicreport-sync/internal/replay"
	"github.com/angelmondragon/civicreport-sync/internal/reports"
	"github.com/angelmondragon/civicreport-sync/pkg/config"
	"github.com/angelmondragon/civicreport-sync/pkg/db"
	"github.com/angelmondragon/civicreport-sync/pkg/instance"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
	"github.com/angelmondragon/civicreport-sync/pkg/metrics"
	"github.com/angelmondragon/civicreport-sync/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "replay-agent"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "replay-agent"

	logg = logger.New(logger.Options{
		ServiceName: "replay-agent",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      logger.Format(cfg.App.LogFormat),
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRun(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run migrations", err)
		os.Exit(1)
	}

	b, redisClient, err := bridge.Open(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to open bridge", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
	}

	lock, err := bridge.CycleLock(redisClient, cfg.Sync.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cycle lock", err)
		os.Exit(1)
	}
	gate, err := replay.BackgroundGate(b, lock)
	if err != nil {
		logg.Error(context.Background(), "failed to create background gate", err)
		os.Exit(1)
	}

	syncMetrics := metrics.NewSyncMetrics(prometheus.DefaultRegisterer)

	configSource := replay.FallbackConfig(b, remote.Config{
		Endpoint: cfg.Remote.Endpoint,
		APIKey:   cfg.Remote.APIKey,
		Bucket:   cfg.Remote.Bucket,
	})
	orchestrator, err := replay.NewOrchestrator(replay.OrchestratorParams{
		Driver:                 replay.DriverBackground,
		Logger:                 logg,
		Repository:             reports.NewRepository(dbClient.DB(), cfg.Sync.MaxAttempts),
		Remote:                 remote.NewClient(&http.Client{Timeout: cfg.Remote.HTTPTimeout}, logg),
		Config:                 configSource,
		Gate:                   gate,
		Notifier:               b,
		Metrics:                syncMetrics,
		MaxAttempts:            cfg.Sync.MaxAttempts,
		StaleAfter:             cfg.Sync.StaleAfter,
		RequestConfigOnMissing: true,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create orchestrator", err)
		os.Exit(1)
	}

	target := connectivity.ConfigTarget(configSource.LoadConfig)
	if cfg.Connectivity.ProbeURL != "" {
		probeURL := cfg.Connectivity.ProbeURL
		target = func() (string, string) { return probeURL, "" }
	}
	monitor, err := connectivity.NewMonitor(connectivity.MonitorParams{
		Logger:      logg,
		Target:      target,
		Interval:    cfg.Connectivity.ProbeInterval,
		Timeout:     cfg.Connectivity.ProbeTimeout,
		PoorLatency: cfg.Connectivity.PoorLatency,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create connectivity monitor", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:       cfg,
		Logger:       logg,
		DB:           dbClient,
		Orchestrator: orchestrator,
		Bridge:       b,
		Monitor:      monitor,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create replay agent", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "replay-agent",
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting replay agent")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "replay agent stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "replay agent shutting down gracefully")
}
