// Package payments holds escrow units: one payment record per contract that
// carries money from the payer toward the payee's balance.
//
// Status flow:
//
//	pending → processing → completed → refunded
//	                    ↘ failed → (retry) pending
//	pending | failed → cancelled
//
// Records are mutated only through Store.Update, a compare-and-set on status.
package payments

import (
	"context"
	"time"

	"github.com/mbd888/escrowpay/internal/idgen"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/validation"
)

// Status represents the state of a payment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further lifecycle transition can happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPending},
	StatusFailed:     {StatusPending, StatusCancelled},
	StatusCompleted:  {StatusRefunded},
}

// CanTransition reports whether from → to is an allowed edge.
// processing → pending is only used to requeue stuck records.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payment is one escrow unit tied to a contract.
type Payment struct {
	ID             string      `json:"id"`
	ContractRef    string      `json:"contractRef"`
	PayerRef       string      `json:"payerRef"`
	PayeeRef       string      `json:"payeeRef"`
	Gross          money.Money `json:"gross"`
	Fee            money.Money `json:"fee"`
	Net            money.Money `json:"net"`
	Status         Status      `json:"status"`
	PendingHeld    bool        `json:"pendingHeld"`  // net counted in payee pending at funding
	PayerDebited   bool        `json:"payerDebited"` // gross drawn from the payer's brand balance
	ChargeRef      string      `json:"chargeRef,omitempty"`
	ExternalTxnRef string      `json:"externalTxnRef,omitempty"`
	FailureReason  string      `json:"failureReason,omitempty"`
	Attempts       int         `json:"attempts"`
	NextAttemptAt  *time.Time  `json:"nextAttemptAt,omitempty"`
	NeedsReview    bool        `json:"needsReview"`
	RefundRef      string      `json:"refundRef,omitempty"`
	RefundReason   string      `json:"refundReason,omitempty"`
	PaidAt         *time.Time  `json:"paidAt,omitempty"`
	ProcessedAt    *time.Time  `json:"processedAt,omitempty"`
	RefundedAt     *time.Time  `json:"refundedAt,omitempty"`
	CancelledAt    *time.Time  `json:"cancelledAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Params describes a new escrow unit.
type Params struct {
	ContractRef  string
	PayerRef     string
	PayeeRef     string
	Gross        money.Money
	Fee          money.Money
	ChargeRef    string
	PendingHeld  bool
	PayerDebited bool
}

// New builds a pending payment, enforcing net = gross - fee >= 0.
// Every violation is reported, not just the first.
func New(p Params, now time.Time) (*Payment, error) {
	errs := validation.Validate(
		validation.ValidRef("contractRef", p.ContractRef),
		validation.ValidRef("payerRef", p.PayerRef),
		validation.ValidRef("payeeRef", p.PayeeRef),
		validation.PositiveAmount("gross", p.Gross),
		validation.NonNegativeAmount("fee", p.Fee),
		validation.Check("fee", p.Fee.SameCurrency(p.Gross), "currency must match gross"),
	)
	if err := errs.Err(); err != nil {
		return nil, err
	}
	net := p.Gross.Sub(p.Fee)
	if net.IsNegative() {
		return nil, validation.ValidationErrors{{Field: "fee", Message: "fee exceeds gross amount"}}
	}

	pay := &Payment{
		ID:           idgen.WithPrefix("pay_"),
		ContractRef:  p.ContractRef,
		PayerRef:     p.PayerRef,
		PayeeRef:     p.PayeeRef,
		Gross:        p.Gross,
		Fee:          p.Fee,
		Net:          net,
		Status:       StatusPending,
		PendingHeld:  p.PendingHeld,
		PayerDebited: p.PayerDebited,
		ChargeRef:    p.ChargeRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.ChargeRef != "" || p.PayerDebited {
		paid := now
		pay.PaidAt = &paid
	}
	return pay, nil
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	cp := *p
	cp.NextAttemptAt = cloneTime(p.NextAttemptAt)
	cp.PaidAt = cloneTime(p.PaidAt)
	cp.ProcessedAt = cloneTime(p.ProcessedAt)
	cp.RefundedAt = cloneTime(p.RefundedAt)
	cp.CancelledAt = cloneTime(p.CancelledAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByContract(ctx context.Context, contractRef string) (*Payment, error)
	// Update writes p only if the stored status still equals expect.
	// Returns apperr.ErrStatusConflict when another caller won the race.
	Update(ctx context.Context, p *Payment, expect Status) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error)
	// ListDueRetry returns failed payments not flagged for review whose
	// next attempt time has passed.
	ListDueRetry(ctx context.Context, now time.Time, limit int) ([]*Payment, error)
	// ListStale returns payments in status not updated since before.
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Payment, error)
	// ListByPayee and ListByPayer return every record when limit <= 0.
	ListByPayee(ctx context.Context, payeeRef string, limit int) ([]*Payment, error)
	ListByPayer(ctx context.Context, payerRef string, limit int) ([]*Payment, error)
	ContractRefsForPayee(ctx context.Context, payeeRef string) ([]string, error)
}
