package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/aegis-router/internal/auth"
	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/configstore"
	"github.com/af-corp/aegis-router/internal/costguard"
	"github.com/af-corp/aegis-router/internal/gateway"
	"github.com/af-corp/aegis-router/internal/router"
	"github.com/af-corp/aegis-router/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
	}

	// Load configuration
	loader := config.NewLoader(*configDir, slog.Default())
	if err := loader.Load(); err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := telemetry.NewLogger(cfg.Telemetry, os.Stdout)
	slog.SetDefault(logger)

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}
	loader.OnReload(func() {
		logger.Info("gateway configuration reloaded")
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Routing document
	store, closeStore, err := configstore.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open routing store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	if err := store.Follow(ctx, cfg.Store); err != nil {
		logger.Warn("routing document changes from other writers will not be picked up", "error", err)
	}
	logger.Info("routing store ready",
		"backend", cfg.Store.Backend,
		"providers", len(store.ListProviders()),
		"clusters", len(store.ListClusters()),
	)

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable (usage ledger stays local)", "error", err)
			rdb.Close()
			rdb = nil
		} else {
			logger.Info("redis connected")
			defer rdb.Close()
		}
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// Cost guard
	var mirror *costguard.RedisMirror
	if rdb != nil {
		mirror = costguard.NewRedisMirror(rdb, cfg.CostGuard.RedisKeyPrefix, cfg.CostGuard.RedisRetention)
	}
	ledger := costguard.NewLedger(cfg.CostGuard.LedgerCapacity, cfg.Routing.LatencyEWMAAlpha, mirror, logger)

	alerters := costguard.MultiAlerter{costguard.NewLogAlerter(logger)}
	if cfg.CostGuard.WebhookURL != "" {
		alerters = append(alerters, costguard.NewWebhookAlerter(cfg.CostGuard.WebhookURL, cfg.CostGuard.WebhookTimeout))
	}
	guard := costguard.New(store, ledger,
		costguard.WithAlerter(alerters),
		costguard.WithMetrics(metrics),
		costguard.WithLogger(logger),
		costguard.WithCooldown(func() time.Duration { return loader.Config().CostGuard.AlertCooldown }),
	)

	// Routing
	defaultTimeout := func() time.Duration { return loader.Config().Routing.DefaultRequestTimeout }
	registry := router.BuildRegistry(router.NewHTTPClient(32))
	routerOpts := []router.Option{
		router.WithObserver(guard),
		router.WithLatencySource(ledger),
		router.WithMetrics(metrics),
		router.WithLogger(logger),
		router.WithDefaultTimeout(defaultTimeout),
	}
	manager := router.NewManager(store, registry, routerOpts...)
	store.OnChange(manager.Wake)
	orchestrator := router.NewOrchestrator(store, registry, routerOpts...)

	maxBody := func() int64 { return loader.Config().Routing.MaxBodyBytes }
	keyStore := auth.NewStaticKeyStore(func() []string { return loader.Config().Admin.KeyHashes })
	if len(cfg.Admin.KeyHashes) == 0 {
		logger.Warn("no admin key hashes configured; admin API will reject every request")
	}

	handler := gateway.NewRouter(gateway.RouterConfig{
		Handler:  gateway.NewHandler(manager, orchestrator, maxBody, logger),
		Admin:    gateway.NewAdminHandler(store, guard, manager, maxBody, logger),
		KeyStore: keyStore,
		Gatherer: reg,
		Version:  version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("router starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	stop()
	guard.Flush()
	logger.Info("router stopped")
}
