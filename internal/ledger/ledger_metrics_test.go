package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowpay/internal/money"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func histogramCount(t *testing.T, op string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, opDuration.WithLabelValues(op).(prometheus.Histogram).Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestObserveOp_RecordsOutcome(t *testing.T) {
	okBefore := counterValue(t, opsTotal.WithLabelValues("test_op", "ok"))
	errBefore := counterValue(t, opsTotal.WithLabelValues("test_op", "error"))
	samplesBefore := histogramCount(t, "test_op")

	var err error
	observeOp("test_op", &err)()
	err = errors.New("boom")
	observeOp("test_op", &err)()

	assert.Equal(t, okBefore+1, counterValue(t, opsTotal.WithLabelValues("test_op", "ok")))
	assert.Equal(t, errBefore+1, counterValue(t, opsTotal.WithLabelValues("test_op", "error")))
	assert.Equal(t, samplesBefore+2, histogramCount(t, "test_op"))
}

func TestLedgerOperations_AreCounted(t *testing.T) {
	l := New(NewMemoryStore("usd"), "usd")
	ctx := context.Background()

	ok := opsTotal.WithLabelValues("credit", "ok")
	before := counterValue(t, ok)
	require.NoError(t, l.Credit(ctx, "creator_m", RoleCreator, money.MustParse("1.00", "usd")))
	assert.Equal(t, before+1, counterValue(t, ok))

	failed := opsTotal.WithLabelValues("debit", "error")
	before = counterValue(t, failed)
	require.Error(t, l.Debit(ctx, "creator_m", RoleCreator, money.MustParse("5.00", "usd")))
	assert.Equal(t, before+1, counterValue(t, failed))
}

func TestRefreshGauges_PublishesSums(t *testing.T) {
	l := New(NewMemoryStore("usd"), "usd")
	ctx := context.Background()
	require.NoError(t, l.Credit(ctx, "creator_a", RoleCreator, money.MustParse("120.50", "usd")))
	require.NoError(t, l.Credit(ctx, "brand_a", RoleBrand, money.MustParse("30.00", "usd")))
	require.NoError(t, l.HoldPending(ctx, "creator_b", RoleCreator, money.MustParse("9.99", "usd")))

	require.NoError(t, l.RefreshGauges(ctx))
	assert.InDelta(t, 150.50, gaugeValue(t, balanceTotal.WithLabelValues("available")), 0.001)
	assert.InDelta(t, 9.99, gaugeValue(t, balanceTotal.WithLabelValues("pending")), 0.001)
}
