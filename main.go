package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alpaca-trading-bot/config"
	"alpaca-trading-bot/internal/alpaca"
	"alpaca-trading-bot/internal/api"
	"alpaca-trading-bot/internal/bot"
	"alpaca-trading-bot/internal/cache"
	"alpaca-trading-bot/internal/database"
	"alpaca-trading-bot/internal/events"
	"alpaca-trading-bot/internal/logging"
	"alpaca-trading-bot/internal/notification"
	"alpaca-trading-bot/internal/orders"
	"alpaca-trading-bot/internal/risk"
	"alpaca-trading-bot/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
	}))
	log := logging.WithComponent("main")

	ctx := context.Background()

	db, err := database.New(ctx, cfg.DatabaseConfig)
	if err != nil {
		log.Fatal("database connection failed", "error", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal("migrations failed", "error", err)
	}
	db.SetDefaultRiskLimits(cfg.RiskConfig)

	metricsTTL := time.Duration(cfg.RiskConfig.MetricsCacheTTLSeconds) * time.Second
	metricsCache, err := cache.New(ctx, cfg.RedisConfig, metricsTTL)
	if err != nil {
		// the cache is an optimization; run without it
		log.Warn("redis unavailable, metrics cache disabled", "error", err)
		metricsCache = nil
	}
	defer metricsCache.Close()

	factory := alpaca.NewClientFactory(db, cfg.AlpacaConfig)
	defer factory.Close()

	bus := events.NewBus()
	notification.NewManager(cfg.NotificationConfig, bus)

	gate := risk.NewGate(db)
	executor := orders.NewExecutor(db, bus)
	reconciler := orders.NewReconciler(db, bus)

	engine := bot.New(db, factory, gate, executor, reconciler, metricsCache, bus,
		time.Duration(cfg.SchedulerConfig.OrderPacingMillis)*time.Millisecond)

	sched := scheduler.New(engine, bus,
		time.Duration(cfg.SchedulerConfig.IntervalMinutes)*time.Minute,
		time.Duration(cfg.SchedulerConfig.UserPacingMillis)*time.Millisecond)
	if cfg.SchedulerConfig.Enabled {
		sched.Start()
	}

	server := api.NewServer(cfg.ServerConfig, engine, sched, db, bus)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	// stop the cycle timer first so no new trading work starts, then
	// drain the API
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx,
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}

	log.Info("shutdown complete")
}
