// Package withdrawals holds creator payout requests and the method catalog
// they are validated against.
//
// Status flow:
//
//	pending → processing → completed
//	                    ↘ failed
//	                    ↘ pending (retryable gateway error, funds still reserved)
//	pending → cancelled
//
// The requested amount is debited from the creator's available balance when
// the request is created; failed and cancelled requests are compensated.
package withdrawals

import (
	"context"
	"time"

	"github.com/mbd888/escrowpay/internal/idgen"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/validation"
)

// Status represents the state of a withdrawal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Reserved reports whether the amount is still debited from available
// balance for a record in this status.
func (s Status) Reserved() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted:
		return true
	}
	return false
}

// Withdrawal is a creator-initiated payout instruction.
type Withdrawal struct {
	ID              string      `json:"id"`
	PayeeRef        string      `json:"payeeRef"`
	Amount          money.Money `json:"amount"`
	Fee             money.Money `json:"fee"`
	Net             money.Money `json:"net"`
	Method          string      `json:"method"`
	Details         Details     `json:"details"`
	Status          Status      `json:"status"`
	ExternalTxnRef  string      `json:"externalTxnRef,omitempty"`
	SourceChargeRef string      `json:"sourceChargeRef,omitempty"`
	FailureReason   string      `json:"failureReason,omitempty"`
	Attempts        int         `json:"attempts"`
	NextAttemptAt   *time.Time  `json:"nextAttemptAt,omitempty"`
	NeedsReview     bool        `json:"needsReview"`
	ProcessedAt     *time.Time  `json:"processedAt,omitempty"`
	CancelledAt     *time.Time  `json:"cancelledAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// New validates the request against the method and builds a pending
// withdrawal with its fee and net amount computed.
func New(payeeRef string, amount money.Money, method *Method, details Details, now time.Time) (*Withdrawal, error) {
	errs := validation.Validate(validation.ValidRef("payeeRef", payeeRef))
	if err := Validate(method, amount, details); err != nil {
		if verrs, ok := err.(validation.ValidationErrors); ok {
			errs = append(errs, verrs...)
		}
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	fee := Fee(method, amount)
	details = details.Clone()
	details.Family = method.Family
	return &Withdrawal{
		ID:        idgen.WithPrefix("wd_"),
		PayeeRef:  payeeRef,
		Amount:    amount,
		Fee:       fee,
		Net:       amount.Sub(fee),
		Method:    method.Code,
		Details:   details,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Due reports whether a pending withdrawal may be dispatched at now.
func (w *Withdrawal) Due(now time.Time) bool {
	return w.Status == StatusPending && (w.NextAttemptAt == nil || !w.NextAttemptAt.After(now))
}

// Clone returns a deep copy.
func (w *Withdrawal) Clone() *Withdrawal {
	cp := *w
	cp.Details = w.Details.Clone()
	if w.NextAttemptAt != nil {
		t := *w.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	if w.ProcessedAt != nil {
		t := *w.ProcessedAt
		cp.ProcessedAt = &t
	}
	if w.CancelledAt != nil {
		t := *w.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

// Store persists withdrawals.
type Store interface {
	Create(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	// Update writes w only if the stored status still equals expect.
	Update(ctx context.Context, w *Withdrawal, expect Status) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error)
	// ListDue returns pending withdrawals whose next attempt time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Withdrawal, error)
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Withdrawal, error)
	// ListByPayee returns every record when limit <= 0.
	ListByPayee(ctx context.Context, payeeRef string, limit int) ([]*Withdrawal, error)
}
