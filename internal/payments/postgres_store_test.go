//go:build integration

package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/testutil"
)

func TestPostgres_PaymentLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	s := NewPostgresStore(db)
	ctx := context.Background()

	p, err := New(validParams(), time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, p))

	dup, _ := New(validParams(), time.Now())
	assert.ErrorIs(t, s.Create(ctx, dup), apperr.ErrDuplicate)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "180.00", got.Net.String())
	assert.Equal(t, StatusPending, got.Status)

	got.Status = StatusProcessing
	got.Attempts = 1
	require.NoError(t, s.Update(ctx, got, StatusPending))
	assert.ErrorIs(t, s.Update(ctx, got, StatusPending), apperr.ErrStatusConflict)

	now := time.Now().UTC()
	got.Status = StatusCompleted
	got.ProcessedAt = &now
	got.ExternalTxnRef = "cap_ch_1"
	require.NoError(t, s.Update(ctx, got, StatusProcessing))

	byContract, err := s.GetByContract(ctx, "contract_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, byContract.Status)
	assert.Equal(t, "cap_ch_1", byContract.ExternalTxnRef)
	assert.NotNil(t, byContract.ProcessedAt)

	refs, err := s.ContractRefsForPayee(ctx, "creator_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"contract_1"}, refs)

	missing := p.Clone()
	missing.ID = "pay_missing"
	assert.True(t, apperr.IsNotFound(s.Update(ctx, missing, StatusPending)))
}

func TestPostgres_DueRetry(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	s := NewPostgresStore(db)
	ctx := context.Background()

	p, _ := New(validParams(), time.Now())
	p.Status = StatusFailed
	due := time.Now().Add(-time.Minute)
	p.NextAttemptAt = &due
	require.NoError(t, s.Create(ctx, p))

	retry, err := s.ListDueRetry(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, p.ID, retry[0].ID)

	later, err := s.ListDueRetry(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, later)
}
