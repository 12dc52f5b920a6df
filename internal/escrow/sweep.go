package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/escrowpay/internal/payments"
	"github.com/mbd888/escrowpay/internal/withdrawals"
)

// SweepResult aggregates one pass over a pending set.
type SweepResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Requeued counts records put back for a later attempt.
	Requeued int `json:"requeued"`
	// Skipped counts records another worker handled first.
	Skipped int `json:"skipped"`
}

func (r SweepResult) String() string {
	return fmt.Sprintf("processed=%d succeeded=%d failed=%d requeued=%d skipped=%d",
		r.Processed, r.Succeeded, r.Failed, r.Requeued, r.Skipped)
}

// ProcessPendingPayments requeues failed payments whose retry time has come,
// then processes every pending payment. One item's failure never stops the
// batch.
func (s *Service) ProcessPendingPayments(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.WithLabelValues("payments").Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	due, err := s.payments.ListDueRetry(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list payments due for retry: %w", err)
	}
	for _, p := range due {
		if _, err := s.requeuePayment(ctx, p, false); err != nil {
			s.logger.Warn("failed to requeue payment", "paymentId", p.ID, "error", err)
			continue
		}
		res.Requeued++
	}

	pending, err := s.payments.ListByStatus(ctx, payments.StatusPending, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list pending payments: %w", err)
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		out, err := s.safeProcessPayment(ctx, p.ID)
		switch {
		case err != nil:
			res.Failed++
			s.logger.Error("payment sweep item failed", "paymentId", p.ID, "payee", p.PayeeRef, "error", err)
		case out.Status == payments.StatusCompleted:
			res.Succeeded++
		case out.Status == payments.StatusFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	s.logger.Info("payment sweep finished", "result", res.String(), "duration", time.Since(start))
	return res, nil
}

// ProcessPendingWithdrawals dispatches every due pending withdrawal.
func (s *Service) ProcessPendingWithdrawals(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.WithLabelValues("withdrawals").Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	due, err := s.withdrawals.ListDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due withdrawals: %w", err)
	}
	for _, w := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		out, err := s.safeProcessWithdrawal(ctx, w.ID)
		switch {
		case err != nil:
			res.Failed++
			s.logger.Error("withdrawal sweep item failed", "withdrawalId", w.ID, "payee", w.PayeeRef, "error", err)
		case out.Status == withdrawals.StatusCompleted:
			res.Succeeded++
		case out.Status == withdrawals.StatusFailed:
			res.Failed++
		case out.Status == withdrawals.StatusPending:
			res.Requeued++
		default:
			res.Skipped++
		}
	}

	s.logger.Info("withdrawal sweep finished", "result", res.String(), "duration", time.Since(start))
	return res, nil
}

func (s *Service) safeProcessPayment(ctx context.Context, id string) (p *payments.Payment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing payment %s: %v", id, r)
		}
	}()
	return s.ProcessPayment(ctx, id)
}

func (s *Service) safeProcessWithdrawal(ctx context.Context, id string) (w *withdrawals.Withdrawal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing withdrawal %s: %v", id, r)
		}
	}()
	return s.ProcessWithdrawal(ctx, id)
}
