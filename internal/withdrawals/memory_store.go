package withdrawals

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowpay/internal/apperr"
)

// MemoryStore is an in-memory withdrawal store for demo/development mode.
type MemoryStore struct {
	withdrawals map[string]*Withdrawal
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{withdrawals: make(map[string]*Withdrawal)}
}

func (m *MemoryStore) Create(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.withdrawals[w.ID]; ok {
		return apperr.ErrDuplicate
	}
	m.withdrawals[w.ID] = w.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, apperr.NotFound("withdrawal", id)
	}
	return w.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, w *Withdrawal, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.withdrawals[w.ID]
	if !ok {
		return apperr.NotFound("withdrawal", w.ID)
	}
	if cur.Status != expect {
		return apperr.ErrStatusConflict
	}
	m.withdrawals[w.ID] = w.Clone()
	return nil
}

func (m *MemoryStore) list(limit int, keep func(*Withdrawal) bool) []*Withdrawal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withdrawal
	for _, w := range m.withdrawals {
		if keep(w) {
			result = append(result, w.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	return m.list(limit, func(w *Withdrawal) bool { return w.Status == status }), nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Withdrawal, error) {
	return m.list(limit, func(w *Withdrawal) bool { return w.Due(now) }), nil
}

func (m *MemoryStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Withdrawal, error) {
	return m.list(limit, func(w *Withdrawal) bool {
		return w.Status == status && w.UpdatedAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListByPayee(ctx context.Context, payeeRef string, limit int) ([]*Withdrawal, error) {
	return m.list(limit, func(w *Withdrawal) bool { return w.PayeeRef == payeeRef }), nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
