package payout

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/escrowpay/internal/circuitbreaker"
	"github.com/mbd888/escrowpay/internal/traces"
)

var (
	gatewayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Payout gateway calls by operation and outcome (ok, rejected, unavailable, circuit_open).",
	}, []string{"op", "outcome"})

	gatewayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowpay",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Payout gateway call latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(gatewayCalls, gatewayDuration)
}

// Guarded wraps a Gateway with a circuit breaker per operation, a tracing
// span per call, and call metrics. Only retryable failures count against
// the breaker.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
}

// NewGuarded decorates next. A nil breaker gets the package defaults.
func NewGuarded(next Gateway, breaker *circuitbreaker.Breaker) *Guarded {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Guarded{next: next, breaker: breaker}
}

// Breaker exposes the underlying breaker for the ops API.
func (g *Guarded) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *Guarded) call(ctx context.Context, op string, span trace.Span, fn func(context.Context) error) error {
	defer span.End()
	start := time.Now()
	err := g.breaker.Execute(op, func() error { return fn(ctx) }, IsRetryable)
	gatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = &GatewayError{Op: op, Code: "circuit_open", Reason: "payout gateway temporarily unavailable", Retryable: true, Err: err}
	}
	gatewayCalls.WithLabelValues(op, outcome(err)).Inc()
	traces.Fail(span, err)
	return err
}

func outcome(err error) string {
	var ge *GatewayError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ge) && ge.Code == "circuit_open":
		return "circuit_open"
	case IsRetryable(err):
		return "unavailable"
	default:
		return "rejected"
	}
}

func (g *Guarded) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	ctx, span := traces.StartSpan(ctx, "payout.CreateTransfer",
		traces.Op(OpCreateTransfer), traces.Amount(req.Amount.String()), traces.IdempotencyKey(req.IdempotencyKey))
	var out *Transfer
	err := g.call(ctx, OpCreateTransfer, span, func(ctx context.Context) (err error) {
		out, err = g.next.CreateTransfer(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	ctx, span := traces.StartSpan(ctx, "payout.CreateRefund", traces.Op(OpCreateRefund), traces.IdempotencyKey(req.IdempotencyKey))
	var out *Refund
	err := g.call(ctx, OpCreateRefund, span, func(ctx context.Context) (err error) {
		out, err = g.next.CreateRefund(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) RetrieveCharge(ctx context.Context, chargeRef string) (*Charge, error) {
	ctx, span := traces.StartSpan(ctx, "payout.RetrieveCharge", traces.Op(OpRetrieveCharge))
	var out *Charge
	err := g.call(ctx, OpRetrieveCharge, span, func(ctx context.Context) (err error) {
		out, err = g.next.RetrieveCharge(ctx, chargeRef)
		return err
	})
	return out, err
}

func (g *Guarded) ListRecentCharges(ctx context.Context, limit int) ([]Charge, error) {
	ctx, span := traces.StartSpan(ctx, "payout.ListRecentCharges", traces.Op(OpListRecentCharges))
	var out []Charge
	err := g.call(ctx, OpListRecentCharges, span, func(ctx context.Context) (err error) {
		out, err = g.next.ListRecentCharges(ctx, limit)
		return err
	})
	return out, err
}

func (g *Guarded) ListRecentTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	ctx, span := traces.StartSpan(ctx, "payout.ListRecentTransfers", traces.Op(OpListRecentTransfers))
	var out []Transfer
	err := g.call(ctx, OpListRecentTransfers, span, func(ctx context.Context) (err error) {
		out, err = g.next.ListRecentTransfers(ctx, limit)
		return err
	})
	return out, err
}

var _ Gateway = (*Guarded)(nil)
