// Package deadlines flags overdue contract milestones and penalizes creators
// who miss them by too much.
//
// A sweep marks every open milestone past its deadline as delayed and warns
// the creator. Once a milestone is PenaltyAfter overdue the creator's account
// is restricted for RestrictionPeriod. The restriction only affects
// eligibility for new engagements; balances are untouched.
//
// Each flag is set by an atomic check-and-set in the store, so overlapping
// sweeps never warn or penalize twice.
package deadlines

import (
	"context"
	"time"

	"github.com/mbd888/escrowpay/internal/idgen"
	"github.com/mbd888/escrowpay/internal/validation"
)

const (
	// PenaltyAfter is how overdue a milestone must be before a penalty applies.
	PenaltyAfter = 7 * 24 * time.Hour
	// RestrictionPeriod is how long a penalized creator stays restricted.
	RestrictionPeriod = 7 * 24 * time.Hour
)

// Milestone is a contractual deliverable with a deadline.
type Milestone struct {
	ID               string     `json:"id"`
	ContractRef      string     `json:"contractRef"`
	CreatorRef       string     `json:"creatorRef"`
	Title            string     `json:"title"`
	Deadline         time.Time  `json:"deadline"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	IsDelayed        bool       `json:"isDelayed"`
	DelayNotifiedAt  *time.Time `json:"delayNotifiedAt,omitempty"`
	PenaltyApplied   bool       `json:"penaltyApplied"`
	PenaltyAppliedAt *time.Time `json:"penaltyAppliedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// NewMilestone validates and builds an open milestone.
func NewMilestone(contractRef, creatorRef, title string, deadline, now time.Time) (*Milestone, error) {
	errs := validation.Validate(
		validation.ValidRef("contractRef", contractRef),
		validation.ValidRef("creatorRef", creatorRef),
		validation.Check("deadline", !deadline.IsZero(), "is required"),
	)
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return &Milestone{
		ID:          idgen.WithPrefix("ms_"),
		ContractRef: contractRef,
		CreatorRef:  creatorRef,
		Title:       validation.SanitizeString(title, 200),
		Deadline:    deadline.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Overdue reports whether the milestone is open and past its deadline.
func (m *Milestone) Overdue(now time.Time) bool {
	return m.CompletedAt == nil && now.After(m.Deadline)
}

// DaysOverdue returns whole days past the deadline, zero if not overdue.
func (m *Milestone) DaysOverdue(now time.Time) int {
	if !m.Overdue(now) {
		return 0
	}
	return int(now.Sub(m.Deadline) / (24 * time.Hour))
}

// Penalizable reports whether a penalty is due at now.
func (m *Milestone) Penalizable(now time.Time) bool {
	return m.Overdue(now) && !m.PenaltyApplied && now.Sub(m.Deadline) >= PenaltyAfter
}

// Clone returns a deep copy.
func (m *Milestone) Clone() *Milestone {
	cp := *m
	cp.CompletedAt = cloneTime(m.CompletedAt)
	cp.DelayNotifiedAt = cloneTime(m.DelayNotifiedAt)
	cp.PenaltyAppliedAt = cloneTime(m.PenaltyAppliedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Store persists milestones.
type Store interface {
	Create(ctx context.Context, m *Milestone) error
	Get(ctx context.Context, id string) (*Milestone, error)
	// ListOverdue returns open milestones past their deadline that still
	// need a flag set: not yet delayed, or not yet penalized.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Milestone, error)
	ListByCreator(ctx context.Context, creatorRef string, limit int) ([]*Milestone, error)
	// MarkDelayed sets is_delayed if it was unset. It reports whether this
	// call made the change.
	MarkDelayed(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkPenalized sets penalty_applied if it was unset.
	MarkPenalized(ctx context.Context, id string, at time.Time) (bool, error)
	// ClearPenalty undoes MarkPenalized when the restriction could not be
	// applied, so a later sweep tries again.
	ClearPenalty(ctx context.Context, id string) error
	// Complete closes an open milestone.
	Complete(ctx context.Context, id string, at time.Time) error
}

// Restrictor places a time-boxed restriction on a creator. *ledger.Ledger
// implements it.
type Restrictor interface {
	Restrict(ctx context.Context, ownerID string, until time.Time, reason string) error
}
