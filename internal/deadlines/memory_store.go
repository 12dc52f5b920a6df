package deadlines

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowpay/internal/apperr"
)

// MemoryStore is an in-memory milestone store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	milestones map[string]*Milestone
}

// NewMemoryStore creates a new in-memory milestone store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{milestones: make(map[string]*Milestone)}
}

func (m *MemoryStore) Create(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.milestones[ms.ID]; ok {
		return apperr.ErrDuplicate
	}
	m.milestones[ms.ID] = ms.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.milestones[id]
	if !ok {
		return nil, apperr.NotFound("milestone", id)
	}
	return ms.Clone(), nil
}

func (m *MemoryStore) list(limit int, keep func(*Milestone) bool) []*Milestone {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if keep(ms) {
			result = append(result, ms.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Deadline.Before(result[j].Deadline) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Milestone, error) {
	return m.list(limit, func(ms *Milestone) bool {
		return ms.Overdue(now) && (!ms.IsDelayed || !ms.PenaltyApplied)
	}), nil
}

func (m *MemoryStore) ListByCreator(ctx context.Context, creatorRef string, limit int) ([]*Milestone, error) {
	return m.list(limit, func(ms *Milestone) bool { return ms.CreatorRef == creatorRef }), nil
}

func (m *MemoryStore) MarkDelayed(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.milestones[id]
	if !ok {
		return false, apperr.NotFound("milestone", id)
	}
	if ms.IsDelayed || ms.CompletedAt != nil {
		return false, nil
	}
	ms.IsDelayed = true
	ms.DelayNotifiedAt = &at
	ms.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) MarkPenalized(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.milestones[id]
	if !ok {
		return false, apperr.NotFound("milestone", id)
	}
	if ms.PenaltyApplied || ms.CompletedAt != nil {
		return false, nil
	}
	ms.PenaltyApplied = true
	ms.PenaltyAppliedAt = &at
	ms.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ClearPenalty(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.milestones[id]
	if !ok {
		return apperr.NotFound("milestone", id)
	}
	ms.PenaltyApplied = false
	ms.PenaltyAppliedAt = nil
	return nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.milestones[id]
	if !ok {
		return apperr.NotFound("milestone", id)
	}
	if ms.CompletedAt != nil {
		return apperr.InvalidTransition("milestone", id, "completed", "complete")
	}
	ms.CompletedAt = &at
	ms.UpdatedAt = at
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
