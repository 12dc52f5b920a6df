// Package txlog is the append-only record of money movement with external
// processor identifiers. Entries link to payments and withdrawals through
// explicit optional foreign keys plus a kind tag; the only mutation allowed
// on a stored entry is marking a paid entry refunded.
package txlog

import (
	"context"
	"time"

	"github.com/mbd888/escrowpay/internal/idgen"
	"github.com/mbd888/escrowpay/internal/money"
)

// Kind tags what an entry represents.
type Kind string

const (
	KindFunding    Kind = "funding"    // inbound charge (brand top-up or escrow funding)
	KindPayment    Kind = "payment"    // escrow released to the payee
	KindWithdrawal Kind = "withdrawal" // outbound transfer to the payee
	KindRefund     Kind = "refund"     // escrow reversed back to the payer
)

// Status of an entry.
type Status string

const (
	StatusPaid     Status = "paid"
	StatusRefunded Status = "refunded"
	StatusFailed   Status = "failed"
)

// Entry is one immutable money movement.
type Entry struct {
	ID           string            `json:"id"`
	OwnerRef     string            `json:"ownerRef"`
	Kind         Kind              `json:"kind"`
	PaymentID    string            `json:"paymentId,omitempty"`
	WithdrawalID string            `json:"withdrawalId,omitempty"`
	ContractRef  string            `json:"contractRef,omitempty"`
	Amount       money.Money       `json:"amount"`
	Status       Status            `json:"status"`
	ChargeID     string            `json:"chargeId,omitempty"`
	TransferID   string            `json:"transferId,omitempty"`
	RefundID     string            `json:"refundId,omitempty"`
	Payload      map[string]string `json:"payload,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// NewEntry fills in the ID and timestamp.
func NewEntry(e Entry, now time.Time) *Entry {
	e.ID = idgen.WithPrefix("txn_")
	e.CreatedAt = now
	if e.Payload == nil {
		e.Payload = map[string]string{}
	}
	return &e
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.Payload = make(map[string]string, len(e.Payload))
	for k, v := range e.Payload {
		cp.Payload[k] = v
	}
	return &cp
}

// Filter selects the most recent paid entry carrying a processor charge id.
// Refunded entries never match. Empty fields are not constrained.
type Filter struct {
	OwnerRef string
	Kind     Kind
	// RequirePayment restricts to entries linked to a payment record.
	RequirePayment bool
	// ContractRefs restricts to entries for any of these contracts.
	ContractRefs []string
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	// MarkRefunded flips a paid entry to refunded and records the refund id.
	// Returns an InvalidStateTransitionError if the entry is not paid.
	MarkRefunded(ctx context.Context, id, refundID string) error
	// LatestCharge returns the newest matching entry with a charge id,
	// or a NotFoundError.
	LatestCharge(ctx context.Context, f Filter) (*Entry, error)
	// ListByOwner returns entries newest first; Kind "" matches all.
	// Every entry is returned when limit <= 0.
	ListByOwner(ctx context.Context, ownerRef string, kind Kind, limit int) ([]*Entry, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error)
}
