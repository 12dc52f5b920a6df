package escrow

import (
	"context"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/payout"
	"github.com/mbd888/escrowpay/internal/txlog"
)

// Funding-source rules, in resolution order.
const (
	RuleLinkedPayment = "linked_payment"
	RuleContract      = "contract"
	RuleOwner         = "owner"
	RuleGatewayScan   = "gateway_scan"
	RuleNone          = "none"
)

// FundingSource is the inbound charge a payout is traced back to. An empty
// ChargeRef means the transfer draws on the general platform balance.
type FundingSource struct {
	ChargeRef string `json:"chargeRef,omitempty"`
	Rule      string `json:"rule"`
}

// ResolveFundingSource finds the charge that funded a payee's earnings.
// The first rule that matches wins:
//  1. the newest log entry linked to a payment for the payee
//  2. the newest entry for any of the payee's contracts
//  3. the newest entry owned by the payee
//  4. outside production, a recent gateway charge with enough unused balance
//
// Finding nothing is not an error.
func (s *Service) ResolveFundingSource(ctx context.Context, payeeRef string, amount money.Money) FundingSource {
	src := s.resolveFundingSource(ctx, payeeRef, amount)
	fundingSources.WithLabelValues(src.Rule).Inc()
	if src.ChargeRef == "" {
		s.logger.Warn("no funding source found, transfer will draw on platform balance",
			"payee", payeeRef, "amount", amount.String())
	}
	return src
}

func (s *Service) resolveFundingSource(ctx context.Context, payeeRef string, amount money.Money) FundingSource {
	if ref := s.latestCharge(ctx, txlog.Filter{OwnerRef: payeeRef, RequirePayment: true}); ref != "" {
		return FundingSource{ChargeRef: ref, Rule: RuleLinkedPayment}
	}

	contracts, err := s.payments.ContractRefsForPayee(ctx, payeeRef)
	if err != nil {
		s.logger.Warn("failed to list payee contracts", "payee", payeeRef, "error", err)
	} else if len(contracts) > 0 {
		if ref := s.latestCharge(ctx, txlog.Filter{ContractRefs: contracts}); ref != "" {
			return FundingSource{ChargeRef: ref, Rule: RuleContract}
		}
	}

	if ref := s.latestCharge(ctx, txlog.Filter{OwnerRef: payeeRef}); ref != "" {
		return FundingSource{ChargeRef: ref, Rule: RuleOwner}
	}

	if !s.cfg.Production && s.gateway != nil {
		if ref := s.scanGateway(ctx, amount); ref != "" {
			return FundingSource{ChargeRef: ref, Rule: RuleGatewayScan}
		}
	}
	return FundingSource{Rule: RuleNone}
}

func (s *Service) latestCharge(ctx context.Context, f txlog.Filter) string {
	e, err := s.txlog.LatestCharge(ctx, f)
	if err != nil {
		if !apperr.IsNotFound(err) {
			s.logger.Warn("funding source lookup failed", "owner", f.OwnerRef, "error", err)
		}
		return ""
	}
	return e.ChargeID
}

// scanGateway picks the newest recent charge whose unused balance covers amount.
func (s *Service) scanGateway(ctx context.Context, amount money.Money) string {
	charges, err := s.gateway.ListRecentCharges(ctx, s.cfg.ScanLimit)
	if err != nil {
		s.logger.Warn("gateway charge scan failed", "error", err)
		return ""
	}
	transfers, err := s.gateway.ListRecentTransfers(ctx, s.cfg.ScanLimit)
	if err != nil {
		s.logger.Warn("gateway transfer scan failed", "error", err)
		return ""
	}
	for _, c := range charges {
		if !c.Amount.SameCurrency(amount) {
			continue
		}
		if payout.UnusedBalance(c, transfers).Cmp(amount) >= 0 {
			return c.ID
		}
	}
	return ""
}
