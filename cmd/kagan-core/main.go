// Package main is the entry point for the Kagan core host: the background
// process that owns the SQLite store, runs the automation scheduler, and
// serves the IPC dispatch table a desktop UI or CLI front end connects to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/common/config"
	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/host"
)

func main() {
	// 1. Load configuration
	cfg, v, err := config.LoadWithViper("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Kagan core host...")

	// 3. Resolve the repo root the runtime dir and lease are scoped to
	repoRoot, err := os.Getwd()
	if err != nil {
		log.Fatal("Failed to resolve working directory", zap.Error(err))
	}

	// 4. Create context with cancellation, wired to OS signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// 5. Assemble the host
	h, err := host.New(ctx, cfg, v, log, repoRoot)
	if err != nil {
		log.Fatal("Failed to assemble core host", zap.Error(err))
	}

	// 6. Run until the context is canceled
	if err := h.Run(ctx); err != nil {
		log.Fatal("Core host exited with error", zap.Error(err))
	}

	log.Info("Kagan core host stopped cleanly")
}
