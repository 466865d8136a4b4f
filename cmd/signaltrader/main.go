// Command signaltrader runs the signal-to-position orchestrator, the
// reconcile and PnL workers and the reporting API. It loads and validates
// configuration, sets up signal handling and starts the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/signaltrader/internal/app"
	"github.com/alanyoungcy/signaltrader/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override mode: trade, workers, monitor or full")
	dryRun := flag.Bool("dry-run", false, "validate and log signals without persisting or calling the exchange")
	inject := flag.String("inject", "", "append the parsed event(s) in this JSON file to the ingest stream and exit")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *dryRun {
		cfg.Trading.DryRun = true
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *inject != "" {
		n, err := app.Inject(ctx, cfg, *inject, logger)
		if err != nil {
			logger.Error("inject failed", slog.Int("injected", n), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("inject complete", slog.Int("injected", n))
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("signaltrader starting",
		slog.String("mode", cfg.Mode),
		slog.Bool("dry_run", cfg.Trading.DryRun),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	err = application.Run(ctx)
	application.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logger.Info("signaltrader stopped")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
