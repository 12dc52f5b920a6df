// Package ledger tracks creator and brand balances.
//
// Flow:
//  1. Brand funds an escrow unit → creator's pending balance is held
//  2. Payment is released → pending moves to available (lifetime earned grows)
//  3. Creator requests a withdrawal → available is debited at request time
//  4. Withdrawal fails or is cancelled → the debit is compensated
//
// Every mutation is a single atomic store operation; the ledger never reads a
// balance and writes it back from application code.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/money"
)

// ErrBalanceChanged is returned by Reconcile when the account moved between
// the read and the overwrite. Nothing was written.
var ErrBalanceChanged = errors.New("account balance changed during reconciliation")

// Role distinguishes the two account kinds a user can hold.
type Role string

const (
	RoleCreator Role = "creator"
	RoleBrand   Role = "brand"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCreator || r == RoleBrand
}

// Account is a per-user, per-role running balance.
type Account struct {
	OwnerID           string      `json:"ownerId"`
	Role              Role        `json:"role"`
	Available         money.Money `json:"available"`
	Pending           money.Money `json:"pending"`
	TotalIn           money.Money `json:"totalIn"`  // lifetime earned (creator) or funded (brand)
	TotalOut          money.Money `json:"totalOut"` // lifetime withdrawn (creator) or spent (brand)
	RestrictedUntil   *time.Time  `json:"restrictedUntil,omitempty"`
	RestrictionReason string      `json:"restrictionReason,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// Restricted reports whether a penalty window is active at now.
func (a *Account) Restricted(now time.Time) bool {
	return a.RestrictedUntil != nil && now.Before(*a.RestrictedUntil)
}

// Totals returns the four balance fields.
func (a *Account) Totals() Totals {
	return Totals{Available: a.Available, Pending: a.Pending, TotalIn: a.TotalIn, TotalOut: a.TotalOut}
}

// Totals is the reconstructable part of an account.
type Totals struct {
	Available money.Money `json:"available"`
	Pending   money.Money `json:"pending"`
	TotalIn   money.Money `json:"totalIn"`
	TotalOut  money.Money `json:"totalOut"`
}

// Equal reports whether every field matches.
func (t Totals) Equal(o Totals) bool {
	return t.Available.Cmp(o.Available) == 0 &&
		t.Pending.Cmp(o.Pending) == 0 &&
		t.TotalIn.Cmp(o.TotalIn) == 0 &&
		t.TotalOut.Cmp(o.TotalOut) == 0
}

// ZeroTotals returns all-zero totals in currency.
func ZeroTotals(currency string) Totals {
	z := money.Zero(currency)
	return Totals{Available: z, Pending: z, TotalIn: z, TotalOut: z}
}

// Store persists accounts. Each mutating method must be one atomic
// read-modify-write on the account row.
type Store interface {
	Get(ctx context.Context, ownerID string, role Role) (*Account, error)
	// Credit: available += amount, total_in += amount (creates the account).
	Credit(ctx context.Context, ownerID string, role Role, amount money.Money) error
	// HoldPending: pending += amount (creates the account).
	HoldPending(ctx context.Context, ownerID string, role Role, amount money.Money) error
	// ReleasePending: pending -= amount.
	ReleasePending(ctx context.Context, ownerID string, role Role, amount money.Money) error
	// MoveToAvailable: pending -= amount, available += amount, total_in += amount.
	MoveToAvailable(ctx context.Context, ownerID string, role Role, amount money.Money) error
	// Debit: available -= amount, total_out += amount.
	Debit(ctx context.Context, ownerID string, role Role, amount money.Money) error
	// Compensate: available += amount, total_out -= amount (creates the account).
	Compensate(ctx context.Context, ownerID string, role Role, amount money.Money) error
	// Reverse: available -= amount, total_in -= amount.
	Reverse(ctx context.Context, ownerID string, role Role, amount money.Money) error
	// Overwrite replaces the totals only while they still equal expect, and
	// returns ErrBalanceChanged otherwise. A missing account counts as zero.
	Overwrite(ctx context.Context, ownerID string, role Role, expect, totals Totals) error
	SetRestriction(ctx context.Context, ownerID string, role Role, until time.Time, reason string) error
	// List returns accounts of role ordered by owner id, starting after the
	// given owner ("" for the first page).
	List(ctx context.Context, role Role, after string, limit int) ([]*Account, error)
	Sum(ctx context.Context) (available, pending money.Money, err error)
}

// TotalsSource recomputes an account's totals from source records.
type TotalsSource interface {
	Totals(ctx context.Context, ownerID string, role Role) (Totals, error)
}

// Drift is the outcome of a reconciliation.
type Drift struct {
	OwnerID string `json:"ownerId"`
	Role    Role   `json:"role"`
	Before  Totals `json:"before"`
	After   Totals `json:"after"`
	Changed bool   `json:"changed"`
}

// Ledger manages balances on top of a Store.
type Ledger struct {
	store    Store
	currency string
}

// New creates a new ledger that settles in currency.
func New(store Store, currency string) *Ledger {
	return &Ledger{store: store, currency: money.Zero(currency).Currency()}
}

// Currency returns the ledger's settlement currency.
func (l *Ledger) Currency() string { return l.currency }

// Account returns the stored account, or a NotFoundError.
func (l *Ledger) Account(ctx context.Context, ownerID string, role Role) (*Account, error) {
	return l.store.Get(ctx, normalizeOwner(ownerID), role)
}

// Balance returns the account, or an all-zero view when it does not exist yet.
func (l *Ledger) Balance(ctx context.Context, ownerID string, role Role) (*Account, error) {
	acct, err := l.store.Get(ctx, normalizeOwner(ownerID), role)
	if apperr.IsNotFound(err) {
		z := ZeroTotals(l.currency)
		return &Account{
			OwnerID:   normalizeOwner(ownerID),
			Role:      role,
			Available: z.Available,
			Pending:   z.Pending,
			TotalIn:   z.TotalIn,
			TotalOut:  z.TotalOut,
			UpdatedAt: time.Now(),
		}, nil
	}
	return acct, err
}

// Credit adds funds to the available balance and lifetime total in.
func (l *Ledger) Credit(ctx context.Context, ownerID string, role Role, amount money.Money) (err error) {
	defer observeOp("credit", &err)()
	if err = l.checkAmount(role, amount); err != nil {
		return err
	}
	return l.store.Credit(ctx, normalizeOwner(ownerID), role, amount)
}

// HoldPending counts escrowed funds as pending for the owner.
func (l *Ledger) HoldPending(ctx context.Context, ownerID string, role Role, amount money.Money) (err error) {
	defer observeOp("hold_pending", &err)()
	if err = l.checkAmount(role, amount); err != nil {
		return err
	}
	return l.store.HoldPending(ctx, normalizeOwner(ownerID), role, amount)
}

// ReleasePending drops a pending hold without crediting it.
func (l *Ledger) ReleasePending(ctx context.Context, ownerID string, role Role, amount money.Money) (err error) {
	defer observeOp("release_pending", &err)()
	if err = l.checkAmount(role, amount); err != nil {
		return err
	}
	return l.store.ReleasePending(ctx, normalizeOwner(ownerID), role, amount)
}

// MoveRaisedToAvailable releases pending funds to available.
// Fails with ErrInsufficientPendingFunds if pending < amount.
func (l *Ledger) MoveRaisedToAvailable(ctx context.Context, ownerID string, role Role, amount money.Money) (err error) {
	defer observeOp("move_to_available", &err)()
	if err = l.checkAmount(role, amount); err != nil {
		return err
	}
	return l.store.MoveToAvailable(ctx, normalizeOwner(ownerID), role, amount)
}

// Debit draws down the available balance.
// Fails with ErrInsufficientAvailableFunds if available < amount.
func (l *Ledger) Debit(ctx context.Context, ownerID string, role Role, amount money.Money) (err error) {
	defer observeOp("debit", &err)()
	if err = l.checkAmount(role, amount); err != nil {
		return err
	}
	return l.store.Debit(ctx, normalizeOwner(ownerID), role, amount)
}

// CompensateCredit returns a previously debited amount to available.
// Only used to reverse a failed or cancelled withdrawal.
func (l *Ledger) CompensateCredit(ctx context.Context, ownerID string, role Role, amount money.Money) (err error) {
	defer observeOp("compensate", &err)()
	if err = l.checkAmount(role, amount); err != nil {
		return err
	}
	return l.store.Compensate(ctx, normalizeOwner(ownerID), role, amount)
}

// ReverseCredit undoes a credit (payment refund): available and total in both
// shrink. Fails with ErrInsufficientAvailableFunds if the funds were already withdrawn.
func (l *Ledger) ReverseCredit(ctx context.Context, ownerID string, role Role, amount money.Money) (err error) {
	defer observeOp("reverse", &err)()
	if err = l.checkAmount(role, amount); err != nil {
		return err
	}
	return l.store.Reverse(ctx, normalizeOwner(ownerID), role, amount)
}

// Restrict places the creator account in a penalty window until the given time.
func (l *Ledger) Restrict(ctx context.Context, ownerID string, until time.Time, reason string) (err error) {
	defer observeOp("restrict", &err)()
	return l.store.SetRestriction(ctx, normalizeOwner(ownerID), RoleCreator, until, reason)
}

// Eligible reports whether the creator may take on new engagements at now.
// Unknown creators are eligible.
func (l *Ledger) Eligible(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	acct, err := l.store.Get(ctx, normalizeOwner(ownerID), RoleCreator)
	if apperr.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !acct.Restricted(now), nil
}

// Reconcile recomputes the account from source records and overwrites the
// stored totals. Used for drift correction, not normal operation.
func (l *Ledger) Reconcile(ctx context.Context, ownerID string, role Role, src TotalsSource) (_ *Drift, err error) {
	defer observeOp("reconcile", &err)()
	ownerID = normalizeOwner(ownerID)

	before, err := l.Balance(ctx, ownerID, role)
	if err != nil {
		return nil, err
	}
	after, err := src.Totals(ctx, ownerID, role)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute totals: %w", err)
	}

	drift := &Drift{OwnerID: ownerID, Role: role, Before: before.Totals(), After: after}
	if drift.Before.Equal(after) {
		return drift, nil
	}
	if after.Available.IsNegative() || after.Pending.IsNegative() {
		return nil, fmt.Errorf("recomputed totals for %s/%s are negative (available %s, pending %s)",
			ownerID, role, after.Available, after.Pending)
	}
	if err := l.store.Overwrite(ctx, ownerID, role, drift.Before, after); err != nil {
		return nil, fmt.Errorf("failed to overwrite totals: %w", err)
	}
	drift.Changed = true
	return drift, nil
}

// Diff computes the drift without overwriting anything.
func (l *Ledger) Diff(ctx context.Context, ownerID string, role Role, src TotalsSource) (*Drift, error) {
	ownerID = normalizeOwner(ownerID)
	before, err := l.Balance(ctx, ownerID, role)
	if err != nil {
		return nil, err
	}
	after, err := src.Totals(ctx, ownerID, role)
	if err != nil {
		return nil, err
	}
	return &Drift{OwnerID: ownerID, Role: role, Before: before.Totals(), After: after, Changed: !before.Totals().Equal(after)}, nil
}

// List returns one page of accounts for a role, ordered by owner id.
// Pass the last owner id of the previous page as after.
func (l *Ledger) List(ctx context.Context, role Role, after string, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.List(ctx, role, after, limit)
}

// RefreshGauges publishes the platform-wide balance sums.
func (l *Ledger) RefreshGauges(ctx context.Context) error {
	avail, pending, err := l.store.Sum(ctx)
	if err != nil {
		return err
	}
	balanceTotal.WithLabelValues("available").Set(avail.Major())
	balanceTotal.WithLabelValues("pending").Set(pending.Major())
	return nil
}

func (l *Ledger) checkAmount(role Role, amount money.Money) error {
	if !role.Valid() {
		return fmt.Errorf("unknown account role %q", role)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", money.ErrInvalidAmount, amount)
	}
	if amount.Currency() != l.currency {
		return fmt.Errorf("%w: currency %s, ledger settles in %s", money.ErrInvalidAmount, amount.Currency(), l.currency)
	}
	return nil
}

func normalizeOwner(ownerID string) string {
	return strings.TrimSpace(ownerID)
}
