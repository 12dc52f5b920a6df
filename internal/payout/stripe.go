package payout

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/escrowpay/internal/money"
)

// StripeGateway implements Gateway on top of Stripe Connect transfers and
// charge refunds.
type StripeGateway struct {
	sc       *client.API
	currency string
	logger   *slog.Logger
}

// NewStripeGateway creates a gateway using the default Stripe backends.
func NewStripeGateway(secretKey, currency string, logger *slog.Logger) *StripeGateway {
	return NewStripeGatewayWithBackends(secretKey, nil, currency, logger)
}

// NewStripeGatewayWithBackends creates a gateway with explicit backends.
// Tests point the API backend at an httptest server.
func NewStripeGatewayWithBackends(secretKey string, backends *stripe.Backends, currency string, logger *slog.Logger) *StripeGateway {
	return &StripeGateway{
		sc:       client.New(secretKey, backends),
		currency: money.Zero(currency).Currency(),
		logger:   logger,
	}
}

// TestBackends returns backends that send every request to url without
// network retries.
func TestBackends(url string) *stripe.Backends {
	b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(url),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &stripe.Backends{API: b, Connect: b, Uploads: b}
}

func (g *StripeGateway) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount.Minor()),
		Currency:    stripe.String(req.Amount.Currency()),
		Destination: stripe.String(req.Destination),
	}
	if req.SourceCharge != "" {
		params.SourceTransaction = stripe.String(req.SourceCharge)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	t, err := g.sc.Transfers.New(params)
	if err != nil {
		return nil, classify(OpCreateTransfer, err)
	}
	g.logger.Info("stripe transfer created", "transferId", t.ID, "destination", req.Destination, "amount", req.Amount.String())
	return g.transfer(t), nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	params := &stripe.RefundParams{
		Charge: stripe.String(req.ChargeRef),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.AddMetadata("reason", req.Reason)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	r, err := g.sc.Refunds.New(params)
	if err != nil {
		return nil, classify(OpCreateRefund, err)
	}
	return &Refund{ID: r.ID, ChargeRef: req.ChargeRef, Amount: money.New(r.Amount, string(r.Currency))}, nil
}

func (g *StripeGateway) RetrieveCharge(ctx context.Context, chargeRef string) (*Charge, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	c, err := g.sc.Charges.Get(chargeRef, params)
	if err != nil {
		return nil, classify(OpRetrieveCharge, err)
	}
	ch := g.charge(c)
	return &ch, nil
}

func (g *StripeGateway) ListRecentCharges(ctx context.Context, limit int) ([]Charge, error) {
	params := &stripe.ChargeListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(pageSize(limit))

	var out []Charge
	it := g.sc.Charges.List(params)
	for it.Next() {
		out = append(out, g.charge(it.Charge()))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, classify(OpListRecentCharges, err)
	}
	return out, nil
}

func (g *StripeGateway) ListRecentTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	params := &stripe.TransferListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(pageSize(limit))

	var out []Transfer
	it := g.sc.Transfers.List(params)
	for it.Next() {
		out = append(out, *g.transfer(it.Transfer()))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, classify(OpListRecentTransfers, err)
	}
	return out, nil
}

func (g *StripeGateway) transfer(t *stripe.Transfer) *Transfer {
	out := &Transfer{
		ID:        t.ID,
		Amount:    money.New(t.Amount, g.currencyOf(string(t.Currency))),
		CreatedAt: time.Unix(t.Created, 0).UTC(),
	}
	if t.Destination != nil {
		out.Destination = t.Destination.ID
	}
	if t.SourceTransaction != nil {
		out.SourceCharge = t.SourceTransaction.ID
	}
	return out
}

func (g *StripeGateway) charge(c *stripe.Charge) Charge {
	cur := g.currencyOf(string(c.Currency))
	out := Charge{
		ID:        c.ID,
		Amount:    money.New(c.Amount, cur),
		Refunded:  money.New(c.AmountRefunded, cur),
		CreatedAt: time.Unix(c.Created, 0).UTC(),
	}
	if c.TransferData != nil && c.TransferData.Destination != nil {
		out.Destination = c.TransferData.Destination.ID
	}
	return out
}

func (g *StripeGateway) currencyOf(c string) string {
	if c == "" {
		return g.currency
	}
	return c
}

// pageSize clamps limit to Stripe's 1..100 page size.
func pageSize(limit int) int64 {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return int64(limit)
}

// classify maps a Stripe client error to a GatewayError.
func classify(op string, err error) error {
	ge := &GatewayError{Op: op, Reason: err.Error(), Err: err}

	var se *stripe.Error
	if errors.As(err, &se) {
		ge.Code = string(se.Code)
		if se.Msg != "" {
			ge.Reason = se.Msg
		}
		ge.Retryable = se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.Type == stripe.ErrorTypeAPI
		return ge
	}

	// No API error body: the request never completed.
	ge.Code = "network_error"
	ge.Retryable = true
	return ge
}

var _ Gateway = (*StripeGateway)(nil)
