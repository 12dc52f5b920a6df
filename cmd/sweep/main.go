// Command sweep runs one background sweep and exits. It takes the same lease
// as the in-process scheduler, so it is safe to run from an external cron
// alongside a live server.
//
// Usage:
//
//	go run ./cmd/sweep payments      # Release pending and due-for-retry payments
//	go run ./cmd/sweep withdrawals   # Pay out pending and due-for-retry withdrawals
//	go run ./cmd/sweep deadlines     # Flag and penalize overdue milestones
//	go run ./cmd/sweep reconcile     # Requeue stuck records, correct ledger drift
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/escrowpay/internal/config"
	"github.com/mbd888/escrowpay/internal/lease"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/server"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: sweep <job>")
		fmt.Printf("Jobs: %s, %s, %s, %s\n", server.JobPayments, server.JobWithdrawals, server.JobDeadlines, server.JobReconcile)
		os.Exit(1)
	}
	os.Exit(run(os.Args[1]))
}

func run(job string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}
	defer func() { _ = srv.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := srv.RunJob(ctx, job)
	switch {
	case errors.Is(err, lease.ErrHeld):
		logger.Warn("sweep already running elsewhere, skipping", "job", job)
		return 0
	case err != nil:
		logger.Error("sweep failed", "job", job, "error", err)
		return 1
	}
	logger.Info("sweep finished", "job", job, "result", fmt.Sprint(result))
	fmt.Println(result)
	return 0
}
