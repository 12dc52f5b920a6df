// Escrowpay - escrow ledger and payout engine for creator payments
package main

import (
	"context"
	"os"

	"github.com/mbd888/escrowpay/internal/config"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrowpay",
		"version", Version,
		"commit", Commit,
		"buildTime", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.Currency,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"stripe", cfg.StripeSecretKey != "",
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
