package txlog

import (
	"context"
	"sync"

	"github.com/mbd888/escrowpay/internal/apperr"
)

// MemoryStore is an in-memory transaction log for demo/development mode.
// Entries are kept in append order.
type MemoryStore struct {
	entries []*Entry
	byID    map[string]int
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[e.ID]; ok {
		return apperr.ErrDuplicate
	}
	m.byID[e.ID] = len(m.entries)
	m.entries = append(m.entries, e.Clone())
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound("transaction", id)
	}
	return m.entries[i].Clone(), nil
}

func (m *MemoryStore) MarkRefunded(ctx context.Context, id, refundID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byID[id]
	if !ok {
		return apperr.NotFound("transaction", id)
	}
	e := m.entries[i]
	if e.Status != StatusPaid {
		return apperr.InvalidTransition("transaction", id, string(e.Status), "refund")
	}
	e.Status = StatusRefunded
	e.RefundID = refundID
	return nil
}

func (f Filter) matches(e *Entry) bool {
	if e.ChargeID == "" || e.Status != StatusPaid {
		return false
	}
	if f.OwnerRef != "" && e.OwnerRef != f.OwnerRef {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.RequirePayment && e.PaymentID == "" {
		return false
	}
	if f.ContractRefs != nil {
		found := false
		for _, ref := range f.ContractRefs {
			if e.ContractRef == ref {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *MemoryStore) LatestCharge(ctx context.Context, f Filter) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.entries) - 1; i >= 0; i-- {
		if f.matches(m.entries[i]) {
			return m.entries[i].Clone(), nil
		}
	}
	return nil, apperr.NotFound("charge for", f.OwnerRef)
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerRef string, kind Kind, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.OwnerRef != ownerRef || (kind != "" && e.Kind != kind) {
			continue
		}
		result = append(result, e.Clone())
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.PaymentID == paymentID {
			result = append(result, e.Clone())
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
