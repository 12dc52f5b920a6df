package payout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowpay/internal/money"
)

// MemoryGateway is an in-process fake for development and tests. Failures
// can be injected per operation.
type MemoryGateway struct {
	mu        sync.Mutex
	currency  string
	charges   map[string]*Charge
	transfers []Transfer
	refunds   []Refund
	byKey     map[string]any
	failNext  map[string][]error
	failAll   map[string]error
	calls     map[string]int
	seq       int
	now       func() time.Time
}

// NewMemoryGateway creates an empty fake gateway.
func NewMemoryGateway(currency string) *MemoryGateway {
	return &MemoryGateway{
		currency: money.Zero(currency).Currency(),
		charges:  make(map[string]*Charge),
		byKey:    make(map[string]any),
		failNext: make(map[string][]error),
		failAll:  make(map[string]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// AddCharge seeds an inbound charge.
func (m *MemoryGateway) AddCharge(id string, amount money.Money, destination string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges[id] = &Charge{ID: id, Amount: amount, Refunded: money.Zero(amount.Currency()), Destination: destination, CreatedAt: m.now()}
}

// FailNext makes the next call to op return err. Calls queue up.
func (m *MemoryGateway) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = append(m.failNext[op], err)
}

// FailAlways makes every call to op return err until cleared with nil.
func (m *MemoryGateway) FailAlways(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failAll, op)
		return
	}
	m.failAll[op] = err
}

// Calls returns how many times op was invoked, failures included.
func (m *MemoryGateway) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Transfers returns every transfer created so far.
func (m *MemoryGateway) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.transfers...)
}

// Refunds returns every refund created so far.
func (m *MemoryGateway) Refunds() []Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Refund(nil), m.refunds...)
}

// begin must be called with mu held.
func (m *MemoryGateway) begin(op string) error {
	m.calls[op]++
	if q := m.failNext[op]; len(q) > 0 {
		m.failNext[op] = q[1:]
		return q[0]
	}
	return m.failAll[op]
}

func (m *MemoryGateway) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_mem_%d", prefix, m.seq)
}

func (m *MemoryGateway) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpCreateTransfer); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		if prev, ok := m.byKey[req.IdempotencyKey].(Transfer); ok {
			return &prev, nil
		}
	}
	if !req.Amount.IsPositive() {
		return nil, &GatewayError{Op: OpCreateTransfer, Code: "amount_too_small", Reason: "transfer amount must be positive"}
	}
	if req.Amount.Currency() != m.currency {
		return nil, &GatewayError{Op: OpCreateTransfer, Code: "invalid_currency", Reason: "unsupported currency " + req.Amount.Currency()}
	}
	if req.Destination == "" {
		return nil, &GatewayError{Op: OpCreateTransfer, Code: "parameter_missing", Reason: "destination is required"}
	}
	if req.SourceCharge != "" {
		if _, ok := m.charges[req.SourceCharge]; !ok {
			return nil, &GatewayError{Op: OpCreateTransfer, Code: "resource_missing", Reason: "no such charge: " + req.SourceCharge}
		}
	}
	t := Transfer{
		ID:           m.nextID("tr"),
		Amount:       req.Amount,
		Destination:  req.Destination,
		SourceCharge: req.SourceCharge,
		CreatedAt:    m.now(),
	}
	m.transfers = append(m.transfers, t)
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = t
	}
	return &t, nil
}

func (m *MemoryGateway) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpCreateRefund); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		if prev, ok := m.byKey[req.IdempotencyKey].(Refund); ok {
			return &prev, nil
		}
	}
	c, ok := m.charges[req.ChargeRef]
	if !ok {
		return nil, &GatewayError{Op: OpCreateRefund, Code: "resource_missing", Reason: "no such charge: " + req.ChargeRef}
	}
	left := c.Amount.Sub(c.Refunded)
	if !left.IsPositive() {
		return nil, &GatewayError{Op: OpCreateRefund, Code: "charge_already_refunded", Reason: "charge has already been refunded"}
	}
	c.Refunded = c.Amount
	r := Refund{ID: m.nextID("re"), ChargeRef: c.ID, Amount: left}
	m.refunds = append(m.refunds, r)
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = r
	}
	return &r, nil
}

func (m *MemoryGateway) RetrieveCharge(ctx context.Context, chargeRef string) (*Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpRetrieveCharge); err != nil {
		return nil, err
	}
	c, ok := m.charges[chargeRef]
	if !ok {
		return nil, &GatewayError{Op: OpRetrieveCharge, Code: "resource_missing", Reason: "no such charge: " + chargeRef}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryGateway) ListRecentCharges(ctx context.Context, limit int) ([]Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpListRecentCharges); err != nil {
		return nil, err
	}
	out := make([]Charge, 0, len(m.charges))
	for _, c := range m.charges {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryGateway) ListRecentTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpListRecentTransfers); err != nil {
		return nil, err
	}
	out := make([]Transfer, 0, len(m.transfers))
	for i := len(m.transfers) - 1; i >= 0; i-- {
		out = append(out, m.transfers[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ Gateway = (*MemoryGateway)(nil)
