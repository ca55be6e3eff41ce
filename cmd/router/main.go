// Trade Router — a multi-route copy-trading engine for MetaTrader accounts
// behind a connection-pool HTTP/WebSocket service.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts router, waits for SIGINT/SIGTERM
//	router/router.go     — orchestrator: one worker per enabled route, global loss supervisor
//	router/bus.go        — Redis pub/sub control surface (toggle/reload/stats commands)
//	worker/worker.go     — per-route state machine: mirrors one source account's lifecycle
//	monitor/             — position change detection: WebSocket streamer with polling fallback
//	filter/filter.go     — pluggable trade filters (dedup, caps, intervals, martingale, grid)
//	sizing/sizer.go      — proportional / fixed / dynamic lot sizing with broker constraints
//	pool/client.go       — REST client for the connection-pool service
//	store/store.go       — Redis persistence: mappings, pending exits, markers, metrics
//	notify/notifier.go   — Telegram notifications with fingerprint-based spam suppression
//	perf/monitor.go      — metric buckets, threshold alerts, daily/weekly summaries
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/notify"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/pool"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/router"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPY_CONFIG"); p != "" {
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

	st, err := store.Open(cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	notifier := notify.New(cfg.Notify, logger)
	if !notifier.Enabled() {
		logger.Warn("telegram notifications disabled (no credentials)")
	}

	poolClient := pool.NewClient(cfg.Pool, logger)

	rt, err := router.New(cfg, poolClient, st, notifier, logger)
	if err != nil {
		logger.Error("failed to create router", "error", err)
		os.Exit(1)
	}
	if err := rt.Start(); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}

	logger.Info("trade router started", "pool", cfg.Pool.BaseURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	rt.Stop()
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
