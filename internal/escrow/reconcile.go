package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/payments"
	"github.com/mbd888/escrowpay/internal/txlog"
)

// Totals recomputes an account from source records. It implements
// ledger.TotalsSource.
//
// Creator: pending is the net of held payments not yet released, total in
// the net of completed payments, total out every withdrawal still holding
// its reservation.
//
// Brand: total in is every balance top-up, total out the gross of payments
// drawn from the balance and not since returned.
func (s *Service) Totals(ctx context.Context, ownerID string, role ledger.Role) (ledger.Totals, error) {
	cur := s.ledger.Currency()
	t := ledger.ZeroTotals(cur)

	switch role {
	case ledger.RoleCreator:
		pays, err := s.payments.ListByPayee(ctx, ownerID, 0)
		if err != nil {
			return t, fmt.Errorf("list payments: %w", err)
		}
		for _, p := range pays {
			switch p.Status {
			case payments.StatusPending, payments.StatusProcessing, payments.StatusFailed:
				if p.PendingHeld {
					t.Pending = t.Pending.Add(p.Net)
				}
			case payments.StatusCompleted:
				t.TotalIn = t.TotalIn.Add(p.Net)
			}
		}
		wds, err := s.withdrawals.ListByPayee(ctx, ownerID, 0)
		if err != nil {
			return t, fmt.Errorf("list withdrawals: %w", err)
		}
		for _, w := range wds {
			if w.Status.Reserved() {
				t.TotalOut = t.TotalOut.Add(w.Amount)
			}
		}

	case ledger.RoleBrand:
		entries, err := s.txlog.ListByOwner(ctx, ownerID, txlog.KindFunding, 0)
		if err != nil {
			return t, fmt.Errorf("list funding: %w", err)
		}
		for _, e := range entries {
			if e.PaymentID == "" && e.Status == txlog.StatusPaid {
				t.TotalIn = t.TotalIn.Add(e.Amount)
			}
		}
		pays, err := s.payments.ListByPayer(ctx, ownerID, 0)
		if err != nil {
			return t, fmt.Errorf("list payments: %w", err)
		}
		for _, p := range pays {
			if p.PayerDebited && p.Status != payments.StatusCancelled && p.Status != payments.StatusRefunded {
				t.TotalOut = t.TotalOut.Add(p.Gross)
			}
		}

	default:
		return t, fmt.Errorf("unknown account role %q", role)
	}

	t.Available = t.TotalIn.Sub(t.TotalOut)
	return t, nil
}

// ReconcileAccount compares the stored account with the recomputed one.
// With apply set the stored totals are overwritten, unless the balance moved
// while the comparison ran (ledger.ErrBalanceChanged). Flows in this process
// are held off the account for the duration; other replicas are caught by
// the compare-and-set.
func (s *Service) ReconcileAccount(ctx context.Context, ownerID string, role ledger.Role, apply bool) (*ledger.Drift, error) {
	if !apply {
		return s.ledger.Diff(ctx, ownerID, role, s)
	}
	release, err := s.holdAccounts(ctx, accountKey(role, ownerID))
	if err != nil {
		return nil, err
	}
	defer release()

	drift, err := s.ledger.Reconcile(ctx, ownerID, role, s)
	if err != nil {
		return nil, err
	}
	if drift.Changed {
		s.logger.Warn("account reconciled", "owner", ownerID, "role", role,
			"availableBefore", drift.Before.Available.String(), "availableAfter", drift.After.Available.String(),
			"pendingBefore", drift.Before.Pending.String(), "pendingAfter", drift.After.Pending.String())
	}
	return drift, nil
}

var _ ledger.TotalsSource = (*Service)(nil)
