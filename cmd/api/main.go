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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/civicreport-sync/api"
	"github.com/angelmondragon/civicreport-sync/api/controllers"
	"github.com/angelmondragon/civicreport-sync/api/routes"
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
	pkgredis "github.com/angelmondragon/civicreport-sync/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	syncMetrics := metrics.NewSyncMetrics(registry)

	repo := reports.NewRepository(dbClient.DB(), cfg.Sync.MaxAttempts)
	reportService, err := reports.NewService(repo, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create report service", err)
		os.Exit(1)
	}

	configSource := replay.FallbackConfig(b, remoteDefaults(cfg.Remote))
	orchestrator, err := replay.NewOrchestrator(replay.OrchestratorParams{
		Driver:      replay.DriverForeground,
		Logger:      logg,
		Repository:  repo,
		Remote:      remote.NewClient(&http.Client{Timeout: cfg.Remote.HTTPTimeout}, logg),
		Config:      configSource,
		Gate:        replay.ForegroundGate(lock),
		Notifier:    b,
		Metrics:     syncMetrics,
		MaxAttempts: cfg.Sync.MaxAttempts,
		StaleAfter:  cfg.Sync.StaleAfter,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create orchestrator", err)
		os.Exit(1)
	}

	monitor, err := connectivity.NewMonitor(connectivity.MonitorParams{
		Logger:      logg,
		Target:      probeTarget(cfg.Connectivity, configSource),
		Interval:    cfg.Connectivity.ProbeInterval,
		Timeout:     cfg.Connectivity.ProbeTimeout,
		PoorLatency: cfg.Connectivity.PoorLatency,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create connectivity monitor", err)
		os.Exit(1)
	}

	deps := routes.Dependencies{
		Reports:      reportService,
		Sync:         orchestrator,
		Bridge:       b,
		Connectivity: monitor,
		DB:           dbClient,
		Metrics:      registry,
	}
	// Typed nils must not leak into the interfaces.
	if redisClient != nil {
		deps.Redis = controllers.Pinger(redisClient)
		deps.Idempotency = pkgredis.IdempotencyStore(redisClient)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	server := api.NewServer(addr, routes.NewRouter(cfg, logg, deps))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
		"bridge":   cfg.Bridge.Driver,
	})
	logg.Info(ctx, "starting api server")

	triggers := &syncTriggers{
		logg:     logg,
		runner:   orchestrator,
		online:   monitor.OnlineTransitions(ctx),
		interval: cfg.Sync.Interval,
	}
	relay := &configRelay{logg: logg, bridge: b}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(gctx, server, logg) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return triggers.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "api stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api shutting down gracefully")
}

func remoteDefaults(cfg config.RemoteConfig) remote.Config {
	return remote.Config{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey, Bucket: cfg.Bucket}
}

// probeTarget honours an explicit probe URL, else follows the active config.
func probeTarget(cfg config.ConnectivityConfig, source replay.ConfigSource) connectivity.Target {
	if cfg.ProbeURL != "" {
		return func() (string, string) { return cfg.ProbeURL, "" }
	}
	return connectivity.ConfigTarget(source.LoadConfig)
}
