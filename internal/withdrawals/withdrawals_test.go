package withdrawals

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/validation"
)

func usd(s string) money.Money { return money.MustParse(s, "usd") }

func catalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := DefaultCatalog("usd")
	require.NoError(t, err)
	return c
}

func connectDetails() Details {
	return Details{Fields: map[string]string{"accountId": "acct_123"}}
}

func TestDefaultCatalog(t *testing.T) {
	c := catalog(t)
	codes := make([]string, 0)
	for _, m := range c.All() {
		codes = append(codes, m.Code)
	}
	assert.Equal(t, []string{"stripe_bank_eu", "stripe_bank_us", "stripe_connect_standard", "stripe_debit_card"}, codes)

	m, err := c.Get("stripe_bank_us")
	require.NoError(t, err)
	assert.Equal(t, FamilyStripeBankAccount, m.Family)
	assert.Equal(t, "25.00", m.Min.String())
	assert.Contains(t, m.FieldNames(), "routingNumber")

	_, err = c.Get("paypal")
	assert.True(t, apperr.IsNotFound(err))
}

func TestFee_ZeroForEveryMethod(t *testing.T) {
	for _, m := range catalog(t).All() {
		for _, amt := range []string{"1.00", "80.00", "2500.00", "99999.99"} {
			a := usd(amt)
			fee := Fee(m, a)
			assert.True(t, fee.IsZero(), "method %s amount %s: fee %s", m.Code, amt, fee)
		}
	}
}

func TestNew_NetEqualsAmountMinusFee(t *testing.T) {
	for _, m := range catalog(t).All() {
		if !m.IsActive {
			continue
		}
		details := Details{Fields: map[string]string{
			"accountId":         "acct_1",
			"bankAccountId":     "ba_1",
			"accountHolderName": "Jane Doe",
			"routingNumber":     "110000000",
			"last4":             "4242",
			"cardId":            "card_1",
		}}
		w, err := New("creator_1", m.Min, m, details, time.Now())
		require.NoError(t, err, m.Code)
		assert.Equal(t, w.Amount.Sub(w.Fee).String(), w.Net.String())
		assert.Equal(t, w.Amount.String(), w.Net.String())
		assert.Equal(t, m.Family, w.Details.Family)
		assert.Equal(t, StatusPending, w.Status)
	}
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	m, _ := catalog(t).Get("stripe_bank_us")
	details := Details{
		Family: FamilyStripeCard,
		Fields: map[string]string{"routingNumber": "12ab", "accountId": "acct_1"},
	}

	err := Validate(m, usd("5.00"), details)
	require.Error(t, err)
	assert.True(t, errors.Is(err, validation.ErrValidation))

	var verrs validation.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.ElementsMatch(t, []string{
		"amount",
		"details.family",
		"details.accountHolderName",
		"details.bankAccountId",
		"details.last4",
		"details.routingNumber",
	}, verrs.Fields())
}

func TestValidate_Bounds(t *testing.T) {
	m, _ := catalog(t).Get("stripe_connect_standard")

	tests := []struct {
		name    string
		amount  money.Money
		wantErr bool
	}{
		{"at min", usd("10.00"), false},
		{"at max", usd("10000.00"), false},
		{"below min", usd("9.99"), true},
		{"above max", usd("10000.01"), true},
		{"zero", usd("0"), true},
		{"other currency", money.MustParse("50.00", "eur"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(m, tt.amount, connectDetails())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_InactiveMethod(t *testing.T) {
	m, _ := catalog(t).Get("stripe_bank_eu")
	err := Validate(m, usd("100.00"), Details{Fields: map[string]string{
		"accountId": "acct_1", "bankAccountId": "ba_1", "iban": "DE89370400440532013000",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not active")
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := map[string]string{
		"bad family": `methods: [{code: x, family: paypal, min: "1", max: "2"}]`,
		"min > max":  `methods: [{code: x, family: stripe_card, min: "5", max: "2"}]`,
		"bad amount": `methods: [{code: x, family: stripe_card, min: "1.001", max: "2"}]`,
		"duplicate":  `methods: [{code: x, family: stripe_card, min: "1", max: "2"}, {code: x, family: stripe_card, min: "1", max: "2"}]`,
		"no code":    `methods: [{family: stripe_card, min: "1", max: "2"}]`,
		"not yaml":   `methods: {{{`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc), "usd")
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "methods.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
methods:
  - code: only_connect
    family: stripe_connect
    min: "1.00"
    max: "5.00"
    active: true
    requiredFields:
      accountId: "required"
`), 0o600))

	c, err := LoadCatalogFile(path, "usd")
	require.NoError(t, err)
	require.Len(t, c.All(), 1)

	_, err = LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml"), "usd")
	assert.Error(t, err)

	def, err := LoadCatalogFile("", "usd")
	require.NoError(t, err)
	assert.Len(t, def.All(), 4)
}

func TestMemoryStore_CompareAndSetAndDue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	m, _ := catalog(t).Get("stripe_connect_standard")
	now := time.Now()

	w, err := New("creator_1", usd("80.00"), m, connectDetails(), now)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, w))
	assert.ErrorIs(t, s.Create(ctx, w), apperr.ErrDuplicate)

	later := now.Add(time.Hour)
	w.NextAttemptAt = &later
	require.NoError(t, s.Update(ctx, w, StatusPending))

	due, _ := s.ListDue(ctx, now, 10)
	assert.Empty(t, due)
	due, _ = s.ListDue(ctx, later, 10)
	assert.Len(t, due, 1)

	w.Status = StatusProcessing
	require.NoError(t, s.Update(ctx, w, StatusPending))
	assert.ErrorIs(t, s.Update(ctx, w, StatusPending), apperr.ErrStatusConflict)

	got, _ := s.Get(ctx, w.ID)
	got.Details.Fields["accountId"] = "acct_mutated"
	again, _ := s.Get(ctx, w.ID)
	assert.Equal(t, "acct_123", again.Details.Field("accountId"))
}

func TestStatusReserved(t *testing.T) {
	assert.True(t, StatusPending.Reserved())
	assert.True(t, StatusCompleted.Reserved())
	assert.False(t, StatusFailed.Reserved())
	assert.False(t, StatusCancelled.Reserved())
}
