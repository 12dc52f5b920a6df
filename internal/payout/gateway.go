// Package payout abstracts the external payment processor used to move money
// out to creators: transfers, charge refunds, and charge lookups for
// funding-source tracing.
package payout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mbd888/escrowpay/internal/circuitbreaker"
	"github.com/mbd888/escrowpay/internal/money"
)

// Gateway operation names, used in errors, metrics and breaker keys.
const (
	OpCreateTransfer      = "create_transfer"
	OpCreateRefund        = "create_refund"
	OpRetrieveCharge      = "retrieve_charge"
	OpListRecentCharges   = "list_recent_charges"
	OpListRecentTransfers = "list_recent_transfers"
)

// TransferRequest moves Amount from the platform balance to Destination.
// SourceCharge, when set, links the transfer to the inbound charge that
// funded it.
type TransferRequest struct {
	Amount         money.Money
	Destination    string
	SourceCharge   string
	IdempotencyKey string
	Metadata       map[string]string
}

// Transfer is a completed outbound transfer.
type Transfer struct {
	ID           string      `json:"id"`
	Amount       money.Money `json:"amount"`
	Destination  string      `json:"destination"`
	SourceCharge string      `json:"sourceCharge,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// RefundRequest refunds a prior charge in full.
type RefundRequest struct {
	ChargeRef      string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Refund is a completed charge refund.
type Refund struct {
	ID        string      `json:"id"`
	ChargeRef string      `json:"chargeRef"`
	Amount    money.Money `json:"amount"`
}

// Charge is an inbound charge as seen by the processor.
type Charge struct {
	ID          string      `json:"id"`
	Amount      money.Money `json:"amount"`
	Refunded    money.Money `json:"refunded"`
	Destination string      `json:"destination,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Gateway is the processor boundary consumed by the escrow service.
type Gateway interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error)
	RetrieveCharge(ctx context.Context, chargeRef string) (*Charge, error)
	ListRecentCharges(ctx context.Context, limit int) ([]Charge, error)
	ListRecentTransfers(ctx context.Context, limit int) ([]Transfer, error)
}

// GatewayError reports a failed processor call. Retryable is true for
// outages (network, timeout, 5xx, rate limiting, open circuit) and false for
// rejections the processor will repeat on every attempt.
type GatewayError struct {
	Op        string
	Code      string
	Reason    string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s failed", e.Op)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Reason extracts a human-readable failure reason for records and notifications.
func Reason(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) && ge.Reason != "" {
		return ge.Reason
	}
	return err.Error()
}

// UnusedBalance is what remains of a charge after refunds and the transfers
// already drawn against it.
func UnusedBalance(c Charge, transfers []Transfer) money.Money {
	left := c.Amount.Sub(c.Refunded)
	for _, t := range transfers {
		if t.SourceCharge == c.ID {
			left = left.Sub(t.Amount)
		}
	}
	return left
}
