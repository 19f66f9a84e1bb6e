package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oddsworks/vigil/internal/api"
	"github.com/oddsworks/vigil/internal/billing"
	"github.com/oddsworks/vigil/internal/config"
	"github.com/oddsworks/vigil/internal/delivery"
	"github.com/oddsworks/vigil/internal/feed"
	"github.com/oddsworks/vigil/internal/market"
	"github.com/oddsworks/vigil/internal/monitor"
	"github.com/oddsworks/vigil/internal/reasoning"
	"github.com/oddsworks/vigil/internal/store"
	"github.com/oddsworks/vigil/internal/wallet"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("vigil starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Bootstrap(ctx); err != nil {
		slog.Error("failed to bootstrap schema", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	// Billing: custody-service backend + ledger
	if cfg.WalletURL == "" {
		slog.Error("WALLET_URL is required")
		os.Exit(1)
	}
	backend := wallet.NewClient(cfg.WalletURL, slog.Default())
	ledger := billing.NewLedger(backend, db, slog.Default())

	usage, err := db.LoadUsage(ctx)
	if err != nil {
		slog.Error("failed to load billing records", "error", err)
		os.Exit(1)
	}
	for _, row := range usage {
		ledger.Restore(row.Subscriber, row.EventKey, row.Usage)
	}
	slog.Info("billing ledger ready", "records", len(usage))

	// Reasoning engine
	if cfg.ReasoningAPIKey == "" {
		slog.Error("REASONING_API_KEY is required")
		os.Exit(1)
	}
	llm := reasoning.NewClient(cfg.ReasoningAPIKey, cfg.ReasoningBaseURL, cfg.ReasoningModel, slog.Default())
	engine := reasoning.NewEngine(llm, slog.Default())
	slog.Info("reasoning engine ready", "model", cfg.ReasoningModel)

	// Delivery gateway over NATS
	gateway, err := delivery.NewGateway(cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer gateway.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Feed source
	if cfg.FeedAPIKey == "" {
		slog.Error("FEED_API_KEY is required")
		os.Exit(1)
	}
	feedClient := feed.NewClient(cfg.FeedAPIKey, cfg.FeedBaseURL, cfg.FeedStreamURL, slog.Default())

	// Market context (seed-only, best-effort)
	marketClient := market.NewClient(cfg.MarketAPIURL, slog.Default())

	// Monitor registry and scheduler
	sched := monitor.NewScheduler(slog.Default())
	registry := monitor.NewRegistry(monitor.Deps{
		Reasoner: engine,
		Ledger:   ledger,
		Delivery: gateway,
		Feed:     feedClient,
		Store:    db,
		Logger:   slog.Default(),
	}, engine, marketClient, sched)

	if err := registry.LoadAll(ctx, db); err != nil {
		slog.Error("failed to restore monitors", "error", err)
		os.Exit(1)
	}
	sched.Start()

	// Feed stream: pushed batches fan out through the registry.
	feedClient.Start(registry.HandleBatch)
	defer feedClient.Stop()

	// HTTP API
	srv := api.NewServer(cfg.Port, registry, ledger, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("vigil ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	<-sched.Stop().Done()
	registry.StopAll()
	cancel()
	slog.Info("vigil stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
