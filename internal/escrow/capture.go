package escrow

import (
	"context"

	"github.com/mbd888/escrowpay/internal/payments"
	"github.com/mbd888/escrowpay/internal/payout"
)

// OpCapture names the capture step in gateway errors.
const OpCapture = "capture"

// Capturer confirms the funds behind a payment before they are released.
// It returns the external reference recorded on the completed payment.
type Capturer interface {
	Capture(ctx context.Context, p *payments.Payment) (string, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context, p *payments.Payment) (string, error)

func (f CapturerFunc) Capture(ctx context.Context, p *payments.Payment) (string, error) {
	return f(ctx, p)
}

// ChargeCapturer verifies that the inbound charge funding a payment still
// covers its gross amount. Payments drawn from a brand balance, or funded
// outside the processor, have nothing to verify.
type ChargeCapturer struct {
	gateway payout.Gateway
}

// NewChargeCapturer creates a capturer backed by gateway.
func NewChargeCapturer(gateway payout.Gateway) *ChargeCapturer {
	return &ChargeCapturer{gateway: gateway}
}

func (c *ChargeCapturer) Capture(ctx context.Context, p *payments.Payment) (string, error) {
	if p.ChargeRef == "" || c.gateway == nil {
		return "", nil
	}
	ch, err := c.gateway.RetrieveCharge(ctx, p.ChargeRef)
	if err != nil {
		return "", err
	}
	if !ch.Amount.SameCurrency(p.Gross) {
		return "", &payout.GatewayError{Op: OpCapture, Code: "currency_mismatch",
			Reason: "charge " + ch.ID + " is in " + ch.Amount.Currency()}
	}
	if ch.Amount.Sub(ch.Refunded).Cmp(p.Gross) < 0 {
		return "", &payout.GatewayError{Op: OpCapture, Code: "charge_insufficient",
			Reason: "charge " + ch.ID + " no longer covers " + p.Gross.String()}
	}
	return ch.ID, nil
}
