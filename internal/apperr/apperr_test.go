package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsufficientFunds_Buckets(t *testing.T) {
	avail := InsufficientAvailable("creator_1", "90.00", "60.00")
	pend := InsufficientPending("creator_1", "10.00", "0.00")

	assert.ErrorIs(t, avail, ErrInsufficientFunds)
	assert.ErrorIs(t, avail, ErrInsufficientAvailableFunds)
	assert.NotErrorIs(t, avail, ErrInsufficientPendingFunds)

	assert.ErrorIs(t, pend, ErrInsufficientPendingFunds)
	assert.NotErrorIs(t, pend, ErrInsufficientAvailableFunds)

	wrapped := fmt.Errorf("debit: %w", avail)
	var ife *InsufficientFundsError
	assert.True(t, errors.As(wrapped, &ife))
	assert.Equal(t, BucketAvailable, ife.Bucket)
	assert.Contains(t, wrapped.Error(), "have 60.00")
}

func TestInvalidTransition(t *testing.T) {
	err := InvalidTransition("payment", "pay_1", "pending", "refund")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, `cannot refund payment pay_1 in status "pending"`, err.Error())
}

func TestNotFound(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("withdrawal", "wd_1"))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(errors.New("boom")))
}
