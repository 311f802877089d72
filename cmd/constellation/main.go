// Package main is the entry point for the Constellation browser orchestrator.
//
// The process hosts the orchestrator, its in-process content event loops and
// the embedder API:
//
//	Embedder (HTTP/WebSocket) → Orchestrator → Content event loops
//	                                        → Network bridge
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//
// Usage:
//
//	./constellation -port 8000 -policy per-tab
//
//	# Development mode (colored logs, debug level)
//	./constellation -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/infrastructure/config"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/server"
)

func main() {
	port := flag.String("port", "", "Server port (overrides PORT)")
	policy := flag.String("policy", "", "Event loop policy: same-site, per-tab or dedicated")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *policy != "" {
		cfg.Orchestrator.EventLoopPolicy = *policy
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
