package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/notify"
	"github.com/mbd888/escrowpay/internal/payout"
	"github.com/mbd888/escrowpay/internal/traces"
	"github.com/mbd888/escrowpay/internal/txlog"
	"github.com/mbd888/escrowpay/internal/validation"
	"github.com/mbd888/escrowpay/internal/withdrawals"
)

// WithdrawalRequest is a creator's payout instruction.
type WithdrawalRequest struct {
	PayeeRef string            `json:"payeeRef"`
	Amount   money.Money       `json:"amount"`
	Method   string            `json:"method"`
	Details  map[string]string `json:"details"`
}

// CreateWithdrawal validates the request and reserves the amount by debiting
// the creator's available balance immediately.
func (s *Service) CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (*withdrawals.Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateWithdrawal", traces.Owner(req.PayeeRef), traces.Amount(req.Amount.String()))
	defer span.End()

	method, err := s.methods.Get(req.Method)
	if err != nil {
		errs := validation.Validate(
			validation.ValidRef("payeeRef", req.PayeeRef),
			validation.PositiveAmount("amount", req.Amount),
			s.settles("amount", req.Amount),
			validation.Check("method", false, "unknown withdrawal method "+req.Method),
		)
		return nil, errs.Err()
	}
	errs := validation.Validate(s.settles("amount", req.Amount))
	w, err := withdrawals.New(req.PayeeRef, req.Amount, method, withdrawals.Details{Fields: req.Details}, s.now())
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, append(errs, verrs...).Err()
		}
		return nil, err
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	release, err := s.holdAccounts(ctx, creatorAccount(w.PayeeRef))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.ledger.Debit(ctx, w.PayeeRef, ledger.RoleCreator, w.Amount); err != nil {
		return nil, err
	}
	if err := s.withdrawals.Create(ctx, w); err != nil {
		if cerr := s.ledger.CompensateCredit(ctx, w.PayeeRef, ledger.RoleCreator, w.Amount); cerr != nil {
			s.logger.Error("CRITICAL: withdrawal not stored and reserved funds not returned",
				"payee", w.PayeeRef, "amount", w.Amount.String(), "error", cerr)
		}
		return nil, err
	}

	withdrawalOutcomes.WithLabelValues("created").Inc()
	s.logger.Info("withdrawal created", "withdrawalId", w.ID, "payee", w.PayeeRef,
		"amount", w.Amount.String(), "method", w.Method)
	return w, nil
}

// ProcessWithdrawal dispatches a due pending withdrawal to the gateway.
//
// A record that is not pending, or whose retry time has not come, is
// returned unchanged. Gateway failures are recorded on the record rather
// than returned: retryable ones go back to pending with a backoff while
// attempts remain, the rest fail and return the reserved funds.
func (s *Service) ProcessWithdrawal(ctx context.Context, id string) (*withdrawals.Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ProcessWithdrawal", traces.WithdrawalID(id))
	defer span.End()

	unlock, err := s.lock(ctx, "withdrawal", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.withdrawals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.Due(s.now()) {
		return w, nil
	}

	// The source charge is pinned on the first dispatch. Retries resend the
	// same request under the same idempotency key.
	source := FundingSource{ChargeRef: w.SourceChargeRef, Rule: "pinned"}
	if source.ChargeRef == "" {
		source = s.ResolveFundingSource(ctx, w.PayeeRef, w.Net)
	}

	processing := w.Clone()
	processing.Status = withdrawals.StatusProcessing
	processing.SourceChargeRef = source.ChargeRef
	processing.UpdatedAt = s.now()
	if err := s.withdrawals.Update(ctx, processing, withdrawals.StatusPending); err != nil {
		if errors.Is(err, apperr.ErrStatusConflict) {
			return s.withdrawals.Get(ctx, id)
		}
		return nil, err
	}

	transfer, derr := s.dispatch(ctx, processing, source.ChargeRef)
	if derr != nil {
		return s.failWithdrawal(ctx, processing, derr)
	}

	done := processing.Clone()
	done.Status = withdrawals.StatusCompleted
	done.ExternalTxnRef = transfer.ID
	done.FailureReason = ""
	done.NextAttemptAt = nil
	done.ProcessedAt = s.timePtr()
	done.UpdatedAt = s.now()
	if err := s.withdrawals.Update(ctx, done, withdrawals.StatusProcessing); err != nil {
		s.logger.Error("CRITICAL: transfer sent but withdrawal not marked completed",
			"withdrawalId", id, "transferId", transfer.ID, "payee", done.PayeeRef, "error", err)
		return nil, fmt.Errorf("complete withdrawal %s: %w", id, err)
	}

	s.appendLog(ctx, txlog.Entry{
		OwnerRef:     done.PayeeRef,
		Kind:         txlog.KindWithdrawal,
		WithdrawalID: done.ID,
		Amount:       done.Amount,
		Status:       txlog.StatusPaid,
		TransferID:   transfer.ID,
		Payload:      map[string]string{"method": done.Method, "sourceCharge": source.ChargeRef, "fundingRule": source.Rule},
	})
	withdrawalOutcomes.WithLabelValues("completed").Inc()
	s.logger.Info("withdrawal completed", "withdrawalId", id, "payee", done.PayeeRef,
		"transferId", transfer.ID, "amount", done.Amount.String())
	s.notifier.Notify(ctx, notify.WithdrawalCompleted, done.PayeeRef, withdrawalPayload(done))
	return done, nil
}

// IdempotencyKey is the gateway key for every dispatch of a withdrawal.
// A transfer that went through before a timeout or crash is returned again
// on the next attempt instead of being paid twice.
func IdempotencyKey(w *withdrawals.Withdrawal) string {
	return "withdrawal_" + w.ID
}

// dispatch sends the transfer for the withdrawal's method family.
func (s *Service) dispatch(ctx context.Context, w *withdrawals.Withdrawal, sourceCharge string) (*payout.Transfer, error) {
	meta := map[string]string{
		"withdrawal_id": w.ID,
		"payee":         w.PayeeRef,
		"method":        w.Method,
	}
	switch w.Details.Family {
	case withdrawals.FamilyStripeConnect:
	case withdrawals.FamilyStripeBankAccount:
		if ref := w.Details.Field("bankAccountId"); ref != "" {
			meta["bank_account_id"] = ref
		}
		if last4 := w.Details.Field("last4"); last4 != "" {
			meta["last4"] = last4
		}
	case withdrawals.FamilyStripeCard:
		meta["card_id"] = w.Details.Field("cardId")
		meta["last4"] = w.Details.Field("last4")
	default:
		return nil, validation.ValidationErrors{{Field: "details.family", Message: "unsupported method family " + string(w.Details.Family)}}
	}

	destination := w.Details.Field("accountId")
	if destination == "" {
		return nil, validation.ValidationErrors{{Field: "details.accountId", Message: "no connected account to pay out to"}}
	}
	return s.gateway.CreateTransfer(ctx, payout.TransferRequest{
		Amount:         w.Net,
		Destination:    destination,
		SourceCharge:   sourceCharge,
		IdempotencyKey: IdempotencyKey(w),
		Metadata:       meta,
	})
}

func (s *Service) failWithdrawal(ctx context.Context, w *withdrawals.Withdrawal, cause error) (*withdrawals.Withdrawal, error) {
	next := w.Clone()
	next.Attempts++
	next.FailureReason = payout.Reason(cause)
	next.UpdatedAt = s.now()

	retryable := payout.IsRetryable(cause)
	if retryable {
		if at := s.cfg.WithdrawalRetry.NextAttempt(s.now(), next.Attempts); at != nil {
			next.Status = withdrawals.StatusPending
			next.NextAttemptAt = at
			if err := s.withdrawals.Update(ctx, next, withdrawals.StatusProcessing); err != nil {
				return nil, fmt.Errorf("requeue withdrawal %s: %w", w.ID, err)
			}
			withdrawalOutcomes.WithLabelValues("requeued").Inc()
			s.logger.Warn("withdrawal transfer failed, will retry", "withdrawalId", w.ID,
				"payee", w.PayeeRef, "attempts", next.Attempts, "nextAttemptAt", at, "error", cause)
			return next, nil
		}
	}

	release, err := s.holdAccounts(ctx, creatorAccount(w.PayeeRef))
	if err != nil {
		return nil, err
	}
	defer release()

	next.Status = withdrawals.StatusFailed
	next.NextAttemptAt = nil
	next.NeedsReview = retryable
	if err := s.withdrawals.Update(ctx, next, withdrawals.StatusProcessing); err != nil {
		return nil, fmt.Errorf("record withdrawal %s failure: %w", w.ID, err)
	}
	if err := s.ledger.CompensateCredit(ctx, w.PayeeRef, ledger.RoleCreator, w.Amount); err != nil {
		s.logger.Error("CRITICAL: withdrawal failed but reserved funds not returned; reconcile the account",
			"withdrawalId", w.ID, "payee", w.PayeeRef, "amount", w.Amount.String(), "error", err)
	}

	s.appendLog(ctx, txlog.Entry{
		OwnerRef:     w.PayeeRef,
		Kind:         txlog.KindWithdrawal,
		WithdrawalID: w.ID,
		Amount:       w.Amount,
		Status:       txlog.StatusFailed,
		Payload:      map[string]string{"method": w.Method, "reason": next.FailureReason},
	})
	withdrawalOutcomes.WithLabelValues("failed").Inc()
	s.logger.Warn("withdrawal failed, funds returned", "withdrawalId", w.ID, "payee", w.PayeeRef,
		"amount", w.Amount.String(), "attempts", next.Attempts, "needsReview", next.NeedsReview, "error", cause)
	s.notifier.Notify(ctx, notify.WithdrawalFailed, w.PayeeRef, withdrawalPayload(next))
	return next, nil
}

// CancelWithdrawal cancels a pending withdrawal and returns the reserved funds.
func (s *Service) CancelWithdrawal(ctx context.Context, id, reason string) (*withdrawals.Withdrawal, error) {
	unlock, err := s.lock(ctx, "withdrawal", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.withdrawals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != withdrawals.StatusPending {
		return nil, apperr.InvalidTransition("withdrawal", id, string(w.Status), "cancel")
	}

	release, err := s.holdAccounts(ctx, creatorAccount(w.PayeeRef))
	if err != nil {
		return nil, err
	}
	defer release()

	cancelled := w.Clone()
	cancelled.Status = withdrawals.StatusCancelled
	cancelled.FailureReason = reason
	cancelled.NextAttemptAt = nil
	cancelled.CancelledAt = s.timePtr()
	cancelled.UpdatedAt = s.now()
	if err := s.withdrawals.Update(ctx, cancelled, withdrawals.StatusPending); err != nil {
		if errors.Is(err, apperr.ErrStatusConflict) {
			cur, gerr := s.withdrawals.Get(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return nil, apperr.InvalidTransition("withdrawal", id, string(cur.Status), "cancel")
		}
		return nil, err
	}
	if err := s.ledger.CompensateCredit(ctx, w.PayeeRef, ledger.RoleCreator, w.Amount); err != nil {
		s.logger.Error("CRITICAL: withdrawal cancelled but reserved funds not returned; reconcile the account",
			"withdrawalId", id, "payee", w.PayeeRef, "amount", w.Amount.String(), "error", err)
	}

	withdrawalOutcomes.WithLabelValues("cancelled").Inc()
	s.logger.Info("withdrawal cancelled", "withdrawalId", id, "payee", w.PayeeRef, "reason", reason)
	s.notifier.Notify(ctx, notify.WithdrawalCancelled, w.PayeeRef, withdrawalPayload(cancelled))
	return cancelled, nil
}

func withdrawalPayload(w *withdrawals.Withdrawal) map[string]string {
	out := map[string]string{
		"withdrawalId": w.ID,
		"status":       string(w.Status),
		"amount":       w.Amount.String(),
		"method":       w.Method,
	}
	if w.FailureReason != "" {
		out["reason"] = w.FailureReason
	}
	return out
}
