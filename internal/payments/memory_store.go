package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowpay/internal/apperr"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments   map[string]*Payment
	byContract map[string]string
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:   make(map[string]*Payment),
		byContract: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byContract[p.ContractRef]; ok {
		return apperr.ErrDuplicate
	}
	m.payments[p.ID] = p.Clone()
	m.byContract[p.ContractRef] = p.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment", id)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) GetByContract(ctx context.Context, contractRef string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byContract[contractRef]
	if !ok {
		return nil, apperr.NotFound("payment for contract", contractRef)
	}
	return m.payments[id].Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Payment, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[p.ID]
	if !ok {
		return apperr.NotFound("payment", p.ID)
	}
	if cur.Status != expect {
		return apperr.ErrStatusConflict
	}
	m.payments[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) list(limit int, keep func(*Payment) bool) []*Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if keep(p) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error) {
	return m.list(limit, func(p *Payment) bool { return p.Status == status }), nil
}

func (m *MemoryStore) ListDueRetry(ctx context.Context, now time.Time, limit int) ([]*Payment, error) {
	return m.list(limit, func(p *Payment) bool {
		return p.Status == StatusFailed && !p.NeedsReview &&
			p.NextAttemptAt != nil && !p.NextAttemptAt.After(now)
	}), nil
}

func (m *MemoryStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Payment, error) {
	return m.list(limit, func(p *Payment) bool {
		return p.Status == status && p.UpdatedAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListByPayee(ctx context.Context, payeeRef string, limit int) ([]*Payment, error) {
	return m.list(limit, func(p *Payment) bool { return p.PayeeRef == payeeRef }), nil
}

func (m *MemoryStore) ListByPayer(ctx context.Context, payerRef string, limit int) ([]*Payment, error) {
	return m.list(limit, func(p *Payment) bool { return p.PayerRef == payerRef }), nil
}

func (m *MemoryStore) ContractRefsForPayee(ctx context.Context, payeeRef string) ([]string, error) {
	var refs []string
	for _, p := range m.list(0, func(p *Payment) bool { return p.PayeeRef == payeeRef }) {
		refs = append(refs, p.ContractRef)
	}
	return refs, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
