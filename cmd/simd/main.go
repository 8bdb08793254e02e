// marketsim — a real-time market simulation engine.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine + API, waits for SIGINT/SIGTERM
//	engine/manager.go       — lifecycle controller: sessions, single-session lock, background tasks
//	engine/tick.go          — 50 ms tick loop: price → traders → external flow → book → candles → broadcast
//	market/price.go         — fat-tailed price engine with scenario bias and regime classification
//	trader/trader.go        — agent population: decisions, positions, P&L, ranking
//	external/generator.go   — exogenous order stream: archetype mixes, cascades, MEV front-running
//	book/book.go            — 20-level synthetic depth with pressure, recentering, and fills
//	candle/candle.go        — OHLCV aggregation with timestamp coordination and auto-repair
//	pool/pool.go            — object pools with idempotent release and drift monitoring
//	feed/feed.go            — trader-data provider: HTTP fetch, file cache, synthetic fallback
//	api/server.go           — REST + WebSocket surface, Prometheus /metrics
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketsim/internal/api"
	"marketsim/internal/config"
	"marketsim/internal/engine"
	"marketsim/internal/feed"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MKSIM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := api.NewHub(logger)
	go hub.Run(ctx)

	provider := feed.NewProvider(cfg.Feed, logger)
	mgr := engine.NewManager(cfg, provider, hub, logger)
	go mgr.Run(ctx)

	server := api.NewServer(cfg.Server, mgr, hub, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("market simulator started",
		"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"tick", cfg.Engine.TickInterval,
		"max_speed", cfg.Engine.MaxSpeed,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	cancel()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
