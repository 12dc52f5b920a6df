package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/validation"
)

func usd(s string) money.Money { return money.MustParse(s, "usd") }

func validParams() Params {
	return Params{
		ContractRef: "contract_1",
		PayerRef:    "brand_1",
		PayeeRef:    "creator_1",
		Gross:       usd("200.00"),
		Fee:         usd("20.00"),
	}
}

func TestNew_ComputesNet(t *testing.T) {
	p, err := New(validParams(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, "180.00", p.Net.String())
	assert.Equal(t, StatusPending, p.Status)
	assert.Contains(t, p.ID, "pay_")
	assert.Nil(t, p.PaidAt, "no charge ref and no debit means not yet paid")
}

func TestNew_ReportsAllViolations(t *testing.T) {
	_, err := New(Params{Gross: usd("0"), Fee: usd("-1.00")}, time.Now())
	require.Error(t, err)
	require.True(t, errors.Is(err, validation.ErrValidation))

	var verrs validation.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.ElementsMatch(t, []string{"contractRef", "payerRef", "payeeRef", "gross", "fee"}, verrs.Fields())
}

func TestNew_FeeExceedsGross(t *testing.T) {
	params := validParams()
	params.Fee = usd("200.01")
	_, err := New(params, time.Now())
	require.ErrorIs(t, err, validation.ErrValidation)
	assert.Contains(t, err.Error(), "fee exceeds gross")
}

func TestNew_PaidWhenCharged(t *testing.T) {
	params := validParams()
	params.ChargeRef = "ch_123"
	p, err := New(params, time.Now())
	require.NoError(t, err)
	assert.NotNil(t, p.PaidAt)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusCompleted, StatusRefunded, true},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusPending, false},
		{StatusRefunded, StatusCompleted, false},
		{StatusCancelled, StatusPending, false},
		{StatusFailed, StatusRefunded, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s → %s", tt.from, tt.to)
	}
	assert.True(t, StatusRefunded.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
}

func TestMemoryStore_OneRecordPerContract(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p1, _ := New(validParams(), time.Now())
	p2, _ := New(validParams(), time.Now())
	require.NoError(t, s.Create(ctx, p1))
	assert.ErrorIs(t, s.Create(ctx, p2), apperr.ErrDuplicate)

	got, err := s.GetByContract(ctx, "contract_1")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, got.ID)

	_, err = s.Get(ctx, "pay_missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestMemoryStore_UpdateIsCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p, _ := New(validParams(), time.Now())
	require.NoError(t, s.Create(ctx, p))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp, _ := s.Get(ctx, p.ID)
			cp.Status = StatusProcessing
			err := s.Update(ctx, cp, StatusPending)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperr.ErrStatusConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 19, conflicts)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p, _ := New(validParams(), time.Now())
	require.NoError(t, s.Create(ctx, p))

	got, _ := s.Get(ctx, p.ID)
	got.Status = StatusCompleted
	again, _ := s.Get(ctx, p.ID)
	assert.Equal(t, StatusPending, again.Status)
}

func TestMemoryStore_Listings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	mk := func(contract, payee string, status Status, age time.Duration) *Payment {
		params := validParams()
		params.ContractRef = contract
		params.PayeeRef = payee
		p, err := New(params, now.Add(-age))
		require.NoError(t, err)
		p.Status = status
		require.NoError(t, s.Create(ctx, p))
		return p
	}

	mk("c1", "alice", StatusPending, 3*time.Hour)
	mk("c2", "alice", StatusProcessing, 2*time.Hour)
	failed := mk("c3", "bob", StatusFailed, time.Hour)
	due := now.Add(-time.Minute)
	failed.NextAttemptAt = &due
	require.NoError(t, s.Update(ctx, failed, StatusFailed))
	review := mk("c4", "bob", StatusFailed, time.Hour)
	review.NextAttemptAt = &due
	review.NeedsReview = true
	require.NoError(t, s.Update(ctx, review, StatusFailed))

	pending, _ := s.ListByStatus(ctx, StatusPending, 10)
	assert.Len(t, pending, 1)

	retry, _ := s.ListDueRetry(ctx, now, 10)
	require.Len(t, retry, 1)
	assert.Equal(t, "c3", retry[0].ContractRef)

	stale, _ := s.ListStale(ctx, StatusProcessing, now.Add(-90*time.Minute), 10)
	require.Len(t, stale, 1)
	assert.Equal(t, "c2", stale[0].ContractRef)

	refs, _ := s.ContractRefsForPayee(ctx, "alice")
	assert.Equal(t, []string{"c1", "c2"}, refs)

	byPayer, _ := s.ListByPayer(ctx, "brand_1", 0)
	assert.Len(t, byPayer, 4)
}
