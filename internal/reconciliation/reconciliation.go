// Package reconciliation finds records and balances that drifted from each
// other and puts them back in line.
//
// Two checks run per pass:
//   - payments and withdrawals left in processing past the stuck timeout are
//     returned to pending so the next sweep re-dispatches them
//   - every account's stored totals are compared with totals recomputed from
//     payment, withdrawal and funding records, and optionally overwritten
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/payments"
	"github.com/mbd888/escrowpay/internal/traces"
	"github.com/mbd888/escrowpay/internal/withdrawals"
)

// AccountReconciler compares one account with its source records.
type AccountReconciler interface {
	ReconcileAccount(ctx context.Context, ownerID string, role ledger.Role, apply bool) (*ledger.Drift, error)
}

// AccountLister pages through accounts of a role in owner id order.
type AccountLister interface {
	List(ctx context.Context, role ledger.Role, after string, limit int) ([]*ledger.Account, error)
}

// Report holds the outcome of one reconciliation pass.
type Report struct {
	StuckPayments    int           `json:"stuckPayments"`
	StuckWithdrawals int           `json:"stuckWithdrawals"`
	AccountsChecked  int           `json:"accountsChecked"`
	Mismatches       int           `json:"mismatches"`
	Corrected        int           `json:"corrected"`
	Errors           int           `json:"errors"`
	Duration         time.Duration `json:"duration"`
}

func (r Report) String() string {
	return fmt.Sprintf("stuckPayments=%d stuckWithdrawals=%d accounts=%d mismatches=%d corrected=%d errors=%d",
		r.StuckPayments, r.StuckWithdrawals, r.AccountsChecked, r.Mismatches, r.Corrected, r.Errors)
}

// Runner performs reconciliation passes.
type Runner struct {
	payments    payments.Store
	withdrawals withdrawals.Store
	accounts    AccountLister
	reconciler  AccountReconciler
	logger      *slog.Logger

	stuckAfter time.Duration
	batchSize  int
	apply      bool
	now        func() time.Time
}

// NewRunner creates a reconciliation runner. Drift is reported but not
// corrected until WithApply(true).
func NewRunner(p payments.Store, w withdrawals.Store, accounts AccountLister, reconciler AccountReconciler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		payments:    p,
		withdrawals: w,
		accounts:    accounts,
		reconciler:  reconciler,
		logger:      logger,
		stuckAfter:  15 * time.Minute,
		batchSize:   500,
		now:         time.Now,
	}
}

// WithStuckAfter sets how long a record may sit in processing.
func (r *Runner) WithStuckAfter(d time.Duration) *Runner {
	if d > 0 {
		r.stuckAfter = d
	}
	return r
}

// WithBatchSize caps how many records each check loads.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// WithApply controls whether drifted totals are overwritten.
func (r *Runner) WithApply(apply bool) *Runner {
	r.apply = apply
	return r
}

// WithClock replaces the time source. Used by tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll runs every check and publishes gauges. Errors on single items are
// counted in the report; only a failure to list a whole set is returned.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RunAll")
	defer span.End()

	start := time.Now()
	report := &Report{}
	var errs []error

	if err := r.requeueStuckPayments(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := r.requeueStuckWithdrawals(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := r.checkAccounts(ctx, report); err != nil {
		errs = append(errs, err)
	}

	report.Duration = time.Since(start)
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileStuckPayments.Set(float64(report.StuckPayments))
	reconcileStuckWithdrawals.Set(float64(report.StuckWithdrawals))
	reconcileLedgerMismatches.Set(float64(report.Mismatches))
	if report.Errors > 0 {
		reconcileErrors.Add(float64(report.Errors))
	}

	if report.Mismatches > 0 || report.StuckPayments > 0 || report.StuckWithdrawals > 0 {
		r.logger.Warn("reconciliation found drift", "report", report.String())
	} else {
		r.logger.Info("reconciliation clean", "report", report.String())
	}
	return report, errors.Join(errs...)
}

func (r *Runner) requeueStuckPayments(ctx context.Context, report *Report) error {
	now := r.now()
	stale, err := r.payments.ListStale(ctx, payments.StatusProcessing, now.Add(-r.stuckAfter), r.batchSize)
	if err != nil {
		return fmt.Errorf("list stuck payments: %w", err)
	}
	for _, p := range stale {
		report.StuckPayments++
		next := p.Clone()
		next.Status = payments.StatusPending
		next.NextAttemptAt = nil
		next.UpdatedAt = now
		if err := r.payments.Update(ctx, next, payments.StatusProcessing); err != nil {
			if errors.Is(err, apperr.ErrStatusConflict) {
				continue
			}
			report.Errors++
			r.logger.Error("failed to requeue stuck payment", "paymentId", p.ID, "error", err)
			continue
		}
		r.logger.Warn("stuck payment requeued", "paymentId", p.ID, "payee", p.PayeeRef,
			"attempts", p.Attempts, "stuckSince", p.UpdatedAt)
	}
	return nil
}

// requeueStuckWithdrawals leaves Attempts untouched so the re-dispatch
// reuses the gateway idempotency key of the interrupted attempt.
func (r *Runner) requeueStuckWithdrawals(ctx context.Context, report *Report) error {
	now := r.now()
	stale, err := r.withdrawals.ListStale(ctx, withdrawals.StatusProcessing, now.Add(-r.stuckAfter), r.batchSize)
	if err != nil {
		return fmt.Errorf("list stuck withdrawals: %w", err)
	}
	for _, w := range stale {
		report.StuckWithdrawals++
		next := w.Clone()
		next.Status = withdrawals.StatusPending
		next.NextAttemptAt = nil
		next.UpdatedAt = now
		if err := r.withdrawals.Update(ctx, next, withdrawals.StatusProcessing); err != nil {
			if errors.Is(err, apperr.ErrStatusConflict) {
				continue
			}
			report.Errors++
			r.logger.Error("failed to requeue stuck withdrawal", "withdrawalId", w.ID, "error", err)
			continue
		}
		r.logger.Warn("stuck withdrawal requeued", "withdrawalId", w.ID, "payee", w.PayeeRef,
			"attempts", w.Attempts, "stuckSince", w.UpdatedAt)
	}
	return nil
}

func (r *Runner) checkAccounts(ctx context.Context, report *Report) error {
	for _, role := range []ledger.Role{ledger.RoleCreator, ledger.RoleBrand} {
		after := ""
		for {
			accts, err := r.accounts.List(ctx, role, after, r.batchSize)
			if err != nil {
				return fmt.Errorf("list %s accounts: %w", role, err)
			}
			for _, a := range accts {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.checkAccount(ctx, a.OwnerID, role, report)
			}
			if len(accts) < r.batchSize {
				break
			}
			after = accts[len(accts)-1].OwnerID
		}
	}
	return nil
}

func (r *Runner) checkAccount(ctx context.Context, ownerID string, role ledger.Role, report *Report) {
	report.AccountsChecked++
	drift, err := r.reconciler.ReconcileAccount(ctx, ownerID, role, r.apply)
	if errors.Is(err, ledger.ErrBalanceChanged) {
		r.logger.Info("account moved during reconciliation, retrying next pass", "owner", ownerID, "role", role)
		return
	}
	if err != nil {
		report.Errors++
		r.logger.Error("account reconciliation failed", "owner", ownerID, "role", role, "error", err)
		return
	}
	if drift.Before.Equal(drift.After) {
		return
	}
	report.Mismatches++
	if r.apply && drift.Changed {
		report.Corrected++
	}
	r.logger.Warn("account drift", "owner", ownerID, "role", role,
		"availableStored", drift.Before.Available.String(), "availableRecomputed", drift.After.Available.String(),
		"pendingStored", drift.Before.Pending.String(), "pendingRecomputed", drift.After.Pending.String(),
		"corrected", r.apply && drift.Changed)
}
