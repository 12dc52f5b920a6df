package money

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		minor   int64
		wantErr error
	}{
		{"180.00", 18000, nil},
		{"180", 18000, nil},
		{"0.5", 50, nil},
		{"0.05", 5, nil},
		{"-3.50", -350, nil},
		{"1.2300", 123, nil},
		{"  7.10 ", 710, nil},
		{"1.234", 0, ErrTooPrecise},
		{"abc", 0, ErrInvalidAmount},
		{"", 0, ErrInvalidAmount},
		{"99999999999999999999", 0, ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := Parse(tt.in, "usd")
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.minor, m.Minor())
		})
	}
}

func TestArithmetic(t *testing.T) {
	a := MustParse("100.00", "usd")
	b := MustParse("40.00", "usd")

	assert.Equal(t, "60.00", a.Sub(b).String())
	assert.Equal(t, "140.00", a.Add(b).String())
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(New(10000, "USD")))
	assert.True(t, b.Sub(a).IsNegative())
	assert.True(t, Zero("usd").IsZero())
	assert.Equal(t, "160.00", Sum("usd", a, b, MustParse("20", "usd")).String())
}

func TestCurrencyMismatchPanics(t *testing.T) {
	assert.Panics(t, func() {
		MustParse("1.00", "usd").Add(MustParse("1.00", "eur"))
	})
}

func TestString(t *testing.T) {
	assert.Equal(t, "0.00", Zero("usd").String())
	assert.Equal(t, "0.07", New(7, "usd").String())
	assert.Equal(t, "-12.30", New(-1230, "usd").String())
	assert.Equal(t, "usd", Money{}.Currency())
}

func TestJSON(t *testing.T) {
	type wrapper struct {
		Amount Money `json:"amount"`
	}

	b, err := json.Marshal(wrapper{Amount: MustParse("180.00", "usd")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"180.00"}`, string(b))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"12.5"}`), &w))
	assert.Equal(t, int64(1250), w.Amount.Minor())

	err = json.Unmarshal([]byte(`{"amount":12.5}`), &w)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
