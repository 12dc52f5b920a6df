package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/money"
)

type accountKey struct {
	owner string
	role  Role
}

// MemoryStore is an in-memory account store for demo/development mode and tests.
// A single mutex serializes every mutation, which gives the same per-account
// atomicity the Postgres store gets from row locks.
type MemoryStore struct {
	currency string
	accounts map[accountKey]*Account
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore(currency string) *MemoryStore {
	return &MemoryStore{
		currency: money.Zero(currency).Currency(),
		accounts: make(map[accountKey]*Account),
	}
}

func (m *MemoryStore) Get(ctx context.Context, ownerID string, role Role) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountKey{ownerID, role}]
	if !ok {
		return nil, apperr.NotFound("account", string(role)+"/"+ownerID)
	}
	return copyAccount(acct), nil
}

// getOrCreate must be called with m.mu held.
func (m *MemoryStore) getOrCreate(ownerID string, role Role) *Account {
	key := accountKey{ownerID, role}
	acct, ok := m.accounts[key]
	if !ok {
		z := money.Zero(m.currency)
		now := time.Now()
		acct = &Account{
			OwnerID:   ownerID,
			Role:      role,
			Available: z,
			Pending:   z,
			TotalIn:   z,
			TotalOut:  z,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.accounts[key] = acct
	}
	return acct
}

// existing must be called with m.mu held.
func (m *MemoryStore) existing(ownerID string, role Role) (*Account, error) {
	acct, ok := m.accounts[accountKey{ownerID, role}]
	if !ok {
		return nil, apperr.NotFound("account", string(role)+"/"+ownerID)
	}
	return acct, nil
}

func (m *MemoryStore) Credit(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(ownerID, role)
	acct.Available = acct.Available.Add(amount)
	acct.TotalIn = acct.TotalIn.Add(amount)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) HoldPending(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(ownerID, role)
	acct.Pending = acct.Pending.Add(amount)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ReleasePending(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.existing(ownerID, role)
	if err != nil {
		return err
	}
	if acct.Pending.Cmp(amount) < 0 {
		return apperr.InsufficientPending(ownerID, amount.String(), acct.Pending.String())
	}
	acct.Pending = acct.Pending.Sub(amount)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MoveToAvailable(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.existing(ownerID, role)
	if err != nil {
		return err
	}
	if acct.Pending.Cmp(amount) < 0 {
		return apperr.InsufficientPending(ownerID, amount.String(), acct.Pending.String())
	}
	acct.Pending = acct.Pending.Sub(amount)
	acct.Available = acct.Available.Add(amount)
	acct.TotalIn = acct.TotalIn.Add(amount)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.existing(ownerID, role)
	if err != nil {
		return err
	}
	if acct.Available.Cmp(amount) < 0 {
		return apperr.InsufficientAvailable(ownerID, amount.String(), acct.Available.String())
	}
	acct.Available = acct.Available.Sub(amount)
	acct.TotalOut = acct.TotalOut.Add(amount)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Compensate(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(ownerID, role)
	acct.Available = acct.Available.Add(amount)
	acct.TotalOut = acct.TotalOut.Sub(amount)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Reverse(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.existing(ownerID, role)
	if err != nil {
		return err
	}
	if acct.Available.Cmp(amount) < 0 {
		return apperr.InsufficientAvailable(ownerID, amount.String(), acct.Available.String())
	}
	acct.Available = acct.Available.Sub(amount)
	acct.TotalIn = acct.TotalIn.Sub(amount)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Overwrite(ctx context.Context, ownerID string, role Role, expect, totals Totals) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(ownerID, role)
	if !acct.Totals().Equal(expect) {
		return ErrBalanceChanged
	}
	acct.Available = totals.Available
	acct.Pending = totals.Pending
	acct.TotalIn = totals.TotalIn
	acct.TotalOut = totals.TotalOut
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetRestriction(ctx context.Context, ownerID string, role Role, until time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(ownerID, role)
	u := until
	acct.RestrictedUntil = &u
	acct.RestrictionReason = reason
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, role Role, after string, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for k, acct := range m.accounts {
		if k.role == role && k.owner > after {
			result = append(result, copyAccount(acct))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OwnerID < result[j].OwnerID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Sum(ctx context.Context) (money.Money, money.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avail, pending := money.Zero(m.currency), money.Zero(m.currency)
	for _, acct := range m.accounts {
		avail = avail.Add(acct.Available)
		pending = pending.Add(acct.Pending)
	}
	return avail, pending, nil
}

func copyAccount(a *Account) *Account {
	cp := *a
	if a.RestrictedUntil != nil {
		t := *a.RestrictedUntil
		cp.RestrictedUntil = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
