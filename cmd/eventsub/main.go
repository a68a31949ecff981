// ====================================
// File: cmd/eventsub/main.go
// ====================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventsub/internal/app"
	"github.com/rovshanmuradov/eventsub/internal/config"
	"github.com/rovshanmuradov/eventsub/internal/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to config file")
	tui := flag.Bool("tui", false, "Deliver events to the terminal UI")
	flag.Parse()

	path := *configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *tui {
		cfg.TUI = true
	}
	if cfg.TUI {
		// The terminal belongs to the UI; keep only the file log.
		cfg.Log.Console = false
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting event subscription demo",
		zap.Bool("tui", cfg.TUI),
		zap.Int("publishers", cfg.Demo.Publishers),
		zap.Int("events", cfg.Demo.Events))

	runner := app.NewRunner(cfg, log.WithComponent("eventsub"))
	if err := runner.Run(ctx); err != nil {
		log.Error("Run failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}
