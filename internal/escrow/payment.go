package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/notify"
	"github.com/mbd888/escrowpay/internal/payments"
	"github.com/mbd888/escrowpay/internal/payout"
	"github.com/mbd888/escrowpay/internal/traces"
	"github.com/mbd888/escrowpay/internal/txlog"
	"github.com/mbd888/escrowpay/internal/validation"
)

// FundRequest creates the escrow unit for a contract.
type FundRequest struct {
	ContractRef string      `json:"contractRef"`
	PayerRef    string      `json:"payerRef"`
	PayeeRef    string      `json:"payeeRef"`
	Gross       money.Money `json:"gross"`
	Fee         money.Money `json:"fee"`
	// ChargeRef is the inbound processor charge that paid for the contract.
	ChargeRef string `json:"chargeRef,omitempty"`
	// DebitPayer draws the gross amount from the brand's balance.
	DebitPayer bool `json:"debitPayer"`
	// HoldPending counts the net amount as pending on the creator until release.
	HoldPending bool `json:"holdPending"`
}

// FundPayment creates a pending payment for a contract. Either every balance
// effect of funding is applied or none is.
func (s *Service) FundPayment(ctx context.Context, req FundRequest) (*payments.Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.FundPayment", traces.Owner(req.PayeeRef), traces.Amount(req.Gross.String()))
	defer span.End()

	if req.Fee.IsZero() {
		req.Fee = money.Zero(req.Gross.Currency())
	}
	errs := validation.Validate(s.settles("gross", req.Gross))
	p, err := payments.New(payments.Params{
		ContractRef:  req.ContractRef,
		PayerRef:     req.PayerRef,
		PayeeRef:     req.PayeeRef,
		Gross:        req.Gross,
		Fee:          req.Fee,
		ChargeRef:    req.ChargeRef,
		PendingHeld:  req.HoldPending,
		PayerDebited: req.DebitPayer,
	}, s.now())
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
	if _, err := s.payments.GetByContract(ctx, p.ContractRef); err == nil {
		return nil, fmt.Errorf("payment for contract %s: %w", p.ContractRef, apperr.ErrDuplicate)
	} else if !apperr.IsNotFound(err) {
		return nil, err
	}

	release, err := s.holdAccounts(ctx, brandAccount(p.PayerRef), creatorAccount(p.PayeeRef))
	if err != nil {
		return nil, err
	}
	defer release()

	if p.PayerDebited {
		if err := s.ledger.Debit(ctx, p.PayerRef, ledger.RoleBrand, p.Gross); err != nil {
			return nil, err
		}
	}
	undoDebit := func() {
		if !p.PayerDebited {
			return
		}
		if err := s.ledger.CompensateCredit(ctx, p.PayerRef, ledger.RoleBrand, p.Gross); err != nil {
			s.logger.Error("CRITICAL: failed to return brand funds after aborted funding",
				"contract", p.ContractRef, "payer", p.PayerRef, "amount", p.Gross.String(), "error", err)
		}
	}

	if err := s.payments.Create(ctx, p); err != nil {
		undoDebit()
		return nil, err
	}

	if p.PendingHeld && p.Net.IsPositive() {
		if err := s.ledger.HoldPending(ctx, p.PayeeRef, ledger.RoleCreator, p.Net); err != nil {
			undoDebit()
			cancelled := p.Clone()
			cancelled.Status = payments.StatusCancelled
			cancelled.CancelledAt = s.timePtr()
			cancelled.FailureReason = "funding aborted: " + err.Error()
			cancelled.UpdatedAt = s.now()
			if uerr := s.payments.Update(ctx, cancelled, payments.StatusPending); uerr != nil {
				s.logger.Error("failed to cancel payment after aborted funding", "paymentId", p.ID, "error", uerr)
			}
			return nil, err
		}
	}

	if p.ChargeRef != "" {
		s.appendLog(ctx, txlog.Entry{
			OwnerRef:    p.PayeeRef,
			Kind:        txlog.KindFunding,
			PaymentID:   p.ID,
			ContractRef: p.ContractRef,
			Amount:      p.Gross,
			Status:      txlog.StatusPaid,
			ChargeID:    p.ChargeRef,
			Payload:     map[string]string{"payer": p.PayerRef},
		})
	}

	paymentOutcomes.WithLabelValues("funded").Inc()
	s.logger.Info("payment funded", "paymentId", p.ID, "contract", p.ContractRef,
		"payee", p.PayeeRef, "gross", p.Gross.String(), "net", p.Net.String())
	return p, nil
}

// FundBrand credits a brand's balance from an inbound charge.
func (s *Service) FundBrand(ctx context.Context, brandRef string, amount money.Money, chargeRef string) (*ledger.Account, error) {
	if err := validation.Validate(
		validation.ValidRef("brandRef", brandRef),
		validation.Required("chargeRef", chargeRef),
		validation.PositiveAmount("amount", amount),
		s.settles("amount", amount),
	).Err(); err != nil {
		return nil, err
	}
	release, err := s.holdAccounts(ctx, brandAccount(brandRef))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.ledger.Credit(ctx, brandRef, ledger.RoleBrand, amount); err != nil {
		return nil, err
	}
	s.appendLog(ctx, txlog.Entry{
		OwnerRef: brandRef,
		Kind:     txlog.KindFunding,
		Amount:   amount,
		Status:   txlog.StatusPaid,
		ChargeID: chargeRef,
	})
	s.logger.Info("brand funded", "brand", brandRef, "amount", amount.String(), "charge", chargeRef)
	return s.ledger.Balance(ctx, brandRef, ledger.RoleBrand)
}

// ProcessPayment captures a pending payment and releases it to the payee.
//
// Calling it on a record that is no longer pending is a no-op that returns
// the record unchanged. A capture failure is recorded on the payment
// (failed, with a retry schedule) and is not returned as an error; pending
// funds stay held.
func (s *Service) ProcessPayment(ctx context.Context, id string) (*payments.Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ProcessPayment", traces.PaymentID(id))
	defer span.End()

	unlock, err := s.lock(ctx, "payment", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != payments.StatusPending {
		return p, nil
	}

	processing := p.Clone()
	processing.Status = payments.StatusProcessing
	processing.Attempts++
	processing.UpdatedAt = s.now()
	if err := s.payments.Update(ctx, processing, payments.StatusPending); err != nil {
		if errors.Is(err, apperr.ErrStatusConflict) {
			return s.payments.Get(ctx, id)
		}
		return nil, err
	}

	ref, capErr := s.capturer.Capture(ctx, processing)
	if capErr != nil {
		return s.failPayment(ctx, processing, capErr)
	}

	release, err := s.holdAccounts(ctx, creatorAccount(processing.PayeeRef))
	if err != nil {
		return nil, err
	}
	defer release()

	done := processing.Clone()
	done.Status = payments.StatusCompleted
	done.ExternalTxnRef = ref
	done.FailureReason = ""
	done.NextAttemptAt = nil
	done.ProcessedAt = s.timePtr()
	done.UpdatedAt = s.now()
	if err := s.payments.Update(ctx, done, payments.StatusProcessing); err != nil {
		return nil, fmt.Errorf("complete payment %s: %w", id, err)
	}

	if done.Net.IsPositive() {
		var lerr error
		if done.PendingHeld {
			lerr = s.ledger.MoveRaisedToAvailable(ctx, done.PayeeRef, ledger.RoleCreator, done.Net)
		} else {
			lerr = s.ledger.Credit(ctx, done.PayeeRef, ledger.RoleCreator, done.Net)
		}
		if lerr != nil {
			s.logger.Error("CRITICAL: payment completed but payee balance not credited; reconcile the account",
				"paymentId", id, "payee", done.PayeeRef, "net", done.Net.String(), "error", lerr)
			paymentOutcomes.WithLabelValues("credit_failed").Inc()
			return done, fmt.Errorf("credit payee for payment %s: %w", id, lerr)
		}
	}

	s.appendLog(ctx, txlog.Entry{
		OwnerRef:    done.PayeeRef,
		Kind:        txlog.KindPayment,
		PaymentID:   done.ID,
		ContractRef: done.ContractRef,
		Amount:      done.Net,
		Status:      txlog.StatusPaid,
		ChargeID:    done.ChargeRef,
		Payload:     map[string]string{"externalTxnRef": ref, "fee": done.Fee.String()},
	})
	paymentOutcomes.WithLabelValues("completed").Inc()
	s.logger.Info("payment completed", "paymentId", id, "payee", done.PayeeRef, "net", done.Net.String())
	s.notifier.Notify(ctx, notify.PaymentCompleted, done.PayeeRef, paymentPayload(done))
	return done, nil
}

func (s *Service) failPayment(ctx context.Context, p *payments.Payment, cause error) (*payments.Payment, error) {
	failed := p.Clone()
	failed.Status = payments.StatusFailed
	failed.FailureReason = payout.Reason(cause)
	failed.UpdatedAt = s.now()
	failed.NextAttemptAt = nil
	if payout.IsRetryable(cause) {
		failed.NextAttemptAt = s.cfg.PaymentRetry.NextAttempt(s.now(), failed.Attempts)
	}
	failed.NeedsReview = failed.NextAttemptAt == nil

	if err := s.payments.Update(ctx, failed, payments.StatusProcessing); err != nil {
		return nil, fmt.Errorf("record payment %s failure: %w", p.ID, err)
	}

	paymentOutcomes.WithLabelValues("failed").Inc()
	s.logger.Warn("payment capture failed", "paymentId", p.ID, "payee", p.PayeeRef,
		"attempts", failed.Attempts, "needsReview", failed.NeedsReview, "error", cause)
	payload := paymentPayload(failed)
	s.notifier.Notify(ctx, notify.PaymentFailed, failed.PayeeRef, payload)
	s.notifier.Notify(ctx, notify.PaymentFailed, failed.PayerRef, payload)
	return failed, nil
}

// RefundPayment reverses a completed payment. Funds return to where they
// came from: the brand balance when it was debited, otherwise the inbound
// charge is refunded through the gateway.
func (s *Service) RefundPayment(ctx context.Context, id, reason string) (*payments.Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundPayment", traces.PaymentID(id))
	defer span.End()

	unlock, err := s.lock(ctx, "payment", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != payments.StatusCompleted {
		return nil, apperr.InvalidTransition("payment", id, string(p.Status), "refund")
	}

	release, err := s.holdAccounts(ctx, brandAccount(p.PayerRef), creatorAccount(p.PayeeRef))
	if err != nil {
		return nil, err
	}
	defer release()

	if p.Net.IsPositive() {
		if err := s.ledger.ReverseCredit(ctx, p.PayeeRef, ledger.RoleCreator, p.Net); err != nil {
			return nil, err
		}
	}
	restore := func() {
		if !p.Net.IsPositive() {
			return
		}
		if err := s.ledger.Credit(ctx, p.PayeeRef, ledger.RoleCreator, p.Net); err != nil {
			s.logger.Error("CRITICAL: failed to restore payee balance after aborted refund",
				"paymentId", id, "payee", p.PayeeRef, "net", p.Net.String(), "error", err)
		}
	}

	var refundRef string
	if p.ChargeRef != "" && !p.PayerDebited {
		r, err := s.gateway.CreateRefund(ctx, payout.RefundRequest{
			ChargeRef:      p.ChargeRef,
			Reason:         reason,
			IdempotencyKey: "refund_" + p.ID,
			Metadata:       map[string]string{"payment_id": p.ID, "contract_ref": p.ContractRef},
		})
		if err != nil {
			restore()
			return nil, err
		}
		refundRef = r.ID
	}

	refunded := p.Clone()
	refunded.Status = payments.StatusRefunded
	refunded.RefundRef = refundRef
	refunded.RefundReason = reason
	refunded.RefundedAt = s.timePtr()
	refunded.UpdatedAt = s.now()
	if err := s.payments.Update(ctx, refunded, payments.StatusCompleted); err != nil {
		if refundRef == "" {
			restore()
		} else {
			s.logger.Error("CRITICAL: charge refunded but payment not marked refunded",
				"paymentId", id, "refund", refundRef, "error", err)
		}
		return nil, err
	}

	if p.PayerDebited {
		if err := s.ledger.CompensateCredit(ctx, p.PayerRef, ledger.RoleBrand, p.Gross); err != nil {
			s.logger.Error("CRITICAL: payment refunded but brand balance not restored; reconcile the account",
				"paymentId", id, "payer", p.PayerRef, "gross", p.Gross.String(), "error", err)
		}
	}

	s.markEntriesRefunded(ctx, p, refundRef)
	s.appendLog(ctx, txlog.Entry{
		OwnerRef:    p.PayeeRef,
		Kind:        txlog.KindRefund,
		PaymentID:   p.ID,
		ContractRef: p.ContractRef,
		Amount:      p.Net,
		Status:      txlog.StatusRefunded,
		RefundID:    refundRef,
		Payload:     map[string]string{"reason": reason},
	})

	paymentOutcomes.WithLabelValues("refunded").Inc()
	s.logger.Info("payment refunded", "paymentId", id, "payee", p.PayeeRef, "net", p.Net.String(), "reason", reason)
	payload := paymentPayload(refunded)
	s.notifier.Notify(ctx, notify.PaymentRefunded, refunded.PayeeRef, payload)
	s.notifier.Notify(ctx, notify.PaymentRefunded, refunded.PayerRef, payload)
	return refunded, nil
}

func (s *Service) markEntriesRefunded(ctx context.Context, p *payments.Payment, refundRef string) {
	entries, err := s.txlog.ListByPayment(ctx, p.ID)
	if err != nil {
		s.logger.Warn("failed to load transaction log for refund", "paymentId", p.ID, "error", err)
		return
	}
	for _, e := range entries {
		if e.Status != txlog.StatusPaid || (e.Kind != txlog.KindFunding && e.Kind != txlog.KindPayment) {
			continue
		}
		if err := s.txlog.MarkRefunded(ctx, e.ID, refundRef); err != nil {
			s.logger.Warn("failed to mark transaction refunded", "paymentId", p.ID, "transactionId", e.ID, "error", err)
		}
	}
}

// CancelPayment abandons a pending or failed payment: the pending hold is
// released and a debited brand balance is restored.
func (s *Service) CancelPayment(ctx context.Context, id, reason string) (*payments.Payment, error) {
	unlock, err := s.lock(ctx, "payment", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !payments.CanTransition(p.Status, payments.StatusCancelled) {
		return nil, apperr.InvalidTransition("payment", id, string(p.Status), "cancel")
	}

	release, err := s.holdAccounts(ctx, brandAccount(p.PayerRef), creatorAccount(p.PayeeRef))
	if err != nil {
		return nil, err
	}
	defer release()

	cancelled := p.Clone()
	cancelled.Status = payments.StatusCancelled
	cancelled.FailureReason = reason
	cancelled.NextAttemptAt = nil
	cancelled.NeedsReview = false
	cancelled.CancelledAt = s.timePtr()
	cancelled.UpdatedAt = s.now()
	if err := s.payments.Update(ctx, cancelled, p.Status); err != nil {
		return nil, err
	}

	if p.PendingHeld && p.Net.IsPositive() {
		if err := s.ledger.ReleasePending(ctx, p.PayeeRef, ledger.RoleCreator, p.Net); err != nil {
			s.logger.Error("CRITICAL: payment cancelled but pending hold not released; reconcile the account",
				"paymentId", id, "payee", p.PayeeRef, "net", p.Net.String(), "error", err)
		}
	}
	if p.PayerDebited {
		if err := s.ledger.CompensateCredit(ctx, p.PayerRef, ledger.RoleBrand, p.Gross); err != nil {
			s.logger.Error("CRITICAL: payment cancelled but brand balance not restored; reconcile the account",
				"paymentId", id, "payer", p.PayerRef, "gross", p.Gross.String(), "error", err)
		}
	}

	paymentOutcomes.WithLabelValues("cancelled").Inc()
	s.logger.Info("payment cancelled", "paymentId", id, "reason", reason)
	payload := paymentPayload(cancelled)
	s.notifier.Notify(ctx, notify.PaymentCancelled, cancelled.PayeeRef, payload)
	s.notifier.Notify(ctx, notify.PaymentCancelled, cancelled.PayerRef, payload)
	return cancelled, nil
}

// RetryPayment puts a failed payment back into the pending queue with a
// fresh attempt budget. It is the operator path for records flagged for review.
func (s *Service) RetryPayment(ctx context.Context, id string) (*payments.Payment, error) {
	unlock, err := s.lock(ctx, "payment", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != payments.StatusFailed {
		return nil, apperr.InvalidTransition("payment", id, string(p.Status), "retry")
	}
	return s.requeuePayment(ctx, p, true)
}

// requeuePayment moves a failed payment back to pending. resetAttempts is
// set for operator retries.
func (s *Service) requeuePayment(ctx context.Context, p *payments.Payment, resetAttempts bool) (*payments.Payment, error) {
	next := p.Clone()
	next.Status = payments.StatusPending
	next.NextAttemptAt = nil
	if resetAttempts {
		next.Attempts = 0
		next.NeedsReview = false
	}
	next.UpdatedAt = s.now()
	if err := s.payments.Update(ctx, next, payments.StatusFailed); err != nil {
		return nil, err
	}
	s.logger.Info("payment requeued", "paymentId", p.ID, "attempts", next.Attempts)
	return next, nil
}

func paymentPayload(p *payments.Payment) map[string]string {
	out := map[string]string{
		"paymentId":   p.ID,
		"contractRef": p.ContractRef,
		"status":      string(p.Status),
		"net":         p.Net.String(),
	}
	if p.FailureReason != "" {
		out["reason"] = p.FailureReason
	}
	if p.RefundReason != "" {
		out["refundReason"] = p.RefundReason
	}
	return out
}
