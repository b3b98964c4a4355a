// BetterBot — a live signal pipeline and automated vault engine for
// prediction-market venues (Polymarket, Dome, Hashdive, exchange spot
// feeds).
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine         — orchestrator: wires ingest -> detector/gate -> persistence/enrichment/fanout -> vault
//	internal/ingest         — one adapter per upstream: wallet WS/REST, whale REST, market catalog, orderbook, spot feed
//	internal/signal         — detector rules and quality gate turning raw events into signals
//	internal/enrichment     — bounded worker pool fetching per-signal context (market/book/wallet/PnL)
//	internal/persistence    — sqlite WAL store: signals, enrichment, raw wallet orders, FTS search index
//	internal/fanout         — per-subscriber broadcast hub with merge-by-id, strictly-monotonic context versions
//	internal/vault          — FAST15M and LONG sizing engines, pooled NAV accounting, execution adapter
//	internal/ledger         — double-entry ledger and settlement window state machine
//	internal/backtest       — deterministic replay engine (driven by cmd/backtestctl, not this binary)
//
// This binary runs only the live path: ingest, detection, enrichment,
// persistence, fan-out, and the vault engines. The HTTP/WebSocket server
// surface that would expose internal/fanout's subscriber channels to a
// browser terminal is an external collaborator and out of scope (spec.md
// §1) — this process exposes Go interfaces only.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"betterbot/internal/config"
	"betterbot/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BETTERBOT_CONFIG"); p != "" {
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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("betterbot started",
		"database", cfg.Storage.DatabasePath,
		"vault_enabled", cfg.Vault.Enabled,
		"vault_paper_mode", cfg.Vault.PaperMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
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
