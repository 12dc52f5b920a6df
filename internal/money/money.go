// Package money provides a fixed-point currency amount.
//
// Amounts are stored as integer minor units (cents). The platform settles in a
// single currency with two fraction digits, so 1.00 = 100 minor units.
// Decimal strings are parsed with shopspring/decimal; floats are never involved.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fraction digits carried by every amount.
const Decimals = 2

// DefaultCurrency is used when a caller does not specify one.
const DefaultCurrency = "usd"

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrTooPrecise    = errors.New("amount has more than 2 fraction digits")
	ErrOverflow      = errors.New("amount out of range")
)

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Money is an amount of currency in minor units.
type Money struct {
	minor    int64
	currency string
}

// New returns an amount of minor units in currency.
func New(minor int64, currency string) Money {
	return Money{minor: minor, currency: normalize(currency)}
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money {
	return New(0, currency)
}

// Parse converts a decimal string (e.g. "180.00", "25", "-3.5") into Money.
// More than two significant fraction digits are rejected rather than rounded.
func Parse(s, currency string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.Equal(d.Truncate(Decimals)) {
		return Money{}, fmt.Errorf("%w: %q", ErrTooPrecise, s)
	}
	shifted := d.Shift(Decimals)
	if shifted.GreaterThan(maxMinor) || shifted.LessThan(minMinor) {
		return Money{}, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return New(shifted.IntPart(), currency), nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s, currency string) Money {
	m, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Minor returns the amount in minor units.
func (m Money) Minor() int64 { return m.minor }

// Currency returns the lowercase ISO currency code.
func (m Money) Currency() string {
	if m.currency == "" {
		return DefaultCurrency
	}
	return m.currency
}

// Add returns m + o. Panics if the currencies differ.
func (m Money) Add(o Money) Money {
	m.mustMatch(o)
	return New(m.minor+o.minor, m.Currency())
}

// Sub returns m - o. Panics if the currencies differ.
func (m Money) Sub(o Money) Money {
	m.mustMatch(o)
	return New(m.minor-o.minor, m.Currency())
}

// Cmp compares m and o and returns -1, 0 or +1. Panics if the currencies differ.
func (m Money) Cmp(o Money) int {
	m.mustMatch(o)
	switch {
	case m.minor < o.minor:
		return -1
	case m.minor > o.minor:
		return 1
	}
	return 0
}

// SameCurrency reports whether m and o can be combined.
func (m Money) SameCurrency(o Money) bool {
	return m.Currency() == o.Currency()
}

func (m Money) IsZero() bool     { return m.minor == 0 }
func (m Money) IsPositive() bool { return m.minor > 0 }
func (m Money) IsNegative() bool { return m.minor < 0 }

// String formats the amount with exactly two fraction digits, e.g. "180.00".
func (m Money) String() string {
	return decimal.New(m.minor, -Decimals).StringFixed(Decimals)
}

// Major returns the amount in major units as a float. For metrics only.
func (m Money) Major() float64 {
	f, _ := decimal.New(m.minor, -Decimals).Float64()
	return f
}

// Numeric returns the amount as a SQL NUMERIC literal.
func (m Money) Numeric() string {
	return m.String()
}

// MarshalJSON encodes the amount as a decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts only a quoted decimal string. JSON numbers are rejected
// so amounts never pass through float64.
func (m *Money) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: amounts must be decimal strings", ErrInvalidAmount)
	}
	parsed, err := Parse(s, m.Currency())
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// WithCurrency returns the same minor amount tagged with currency.
func (m Money) WithCurrency(currency string) Money {
	return New(m.minor, currency)
}

func (m Money) mustMatch(o Money) {
	if !m.SameCurrency(o) {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", m.Currency(), o.Currency()))
	}
}

func normalize(currency string) string {
	c := strings.ToLower(strings.TrimSpace(currency))
	if c == "" {
		return DefaultCurrency
	}
	return c
}

// Sum adds amounts, starting from zero in currency.
func Sum(currency string, amounts ...Money) Money {
	total := Zero(currency)
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
