// Command scalper runs the 15-minute binary-option scalper described in
// SPEC_FULL.md.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires collaborators, waits for SIGINT/SIGTERM
//	scheduler/scheduler.go — two-ticker (500ms/150ms) loop, market rotation
//	strategy/core.go      — entry gating, execution, stop-loss/breakeven monitor, session lock
//	quant/quant.go        — volatility estimate and fair-value model
//	market/discovery.go   — active-window discovery and strike resolution
//	market/book.go        — order book snapshots
//	spotfeed/spotfeed.go  — live reference price over WebSocket
//	gateway/paper.go      — in-memory fill simulation
//	gateway/live.go       — signed orders against the venue's CLOB
//	report/report.go      — per-session JSON summary, persisted atomically
//
// polygonChainID is Polygon mainnet, the chain Polymarket's CLOB settles on.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"scalper15m/internal/config"
	"scalper15m/internal/exchange"
	"scalper15m/internal/gateway"
	"scalper15m/internal/market"
	"scalper15m/internal/quant"
	"scalper15m/internal/report"
	"scalper15m/internal/scheduler"
	"scalper15m/internal/spotfeed"
	"scalper15m/internal/strategy"
)

const polygonChainID = 137

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.LogLevel, cfg.LogFormat))

	spot := spotfeed.New(cfg.SpotFeedWSURL, cfg.AssetSymbol, logger)
	discovery := market.NewDiscovery(cfg.MarketAPIBaseURL, cfg.AssetSymbol, logger)
	books := market.NewBookSource(cfg.MarketAPIBaseURL, logger)
	quantEngine := quant.New()

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		logger.Error("failed to build execution gateway", "error", err)
		os.Exit(1)
	}

	core := strategy.New(cfg, gw, books, quantEngine, logger)

	reporter, err := report.New(cfg.SessionReportDir)
	if err != nil {
		logger.Error("failed to open session report directory", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(cfg, discovery, books, spot, gw, quantEngine, core, reporter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	runBackground(ctx, &wg, logger, "spot feed", spot.Run)
	if live, ok := gw.(*gateway.Live); ok {
		runBackground(ctx, &wg, logger, "order feed", live.Run)
	}

	logger.Info("scalper started",
		"paper_trade", cfg.PaperTrade,
		"asset", cfg.AssetSymbol,
		"bankroll", cfg.Bankroll,
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped unexpectedly", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	wg.Wait()
	logger.Info("shutdown complete")
}

func buildGateway(cfg *config.Config, logger *slog.Logger) (gateway.Gateway, error) {
	if cfg.PaperTrade {
		return gateway.NewPaper(cfg.Bankroll, logger), nil
	}

	signer, err := exchange.NewEIP712Signer(cfg.WalletPrivateKey, polygonChainID)
	if err != nil {
		return nil, err
	}
	return gateway.NewLive(cfg.ClobBaseURL, "", signer, logger), nil
}

func runBackground(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, name string, run func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := run(ctx); err != nil && ctx.Err() == nil {
			logger.Error(name+" stopped unexpectedly", "error", err)
		}
	}()
}

func newLogHandler(level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
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
