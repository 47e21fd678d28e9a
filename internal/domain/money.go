package domain

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Money is an output money value: already rounded to 2 places with
// round-half-to-even. Arithmetic happens on decimal.Decimal; Money is only
// produced once, when a figure leaves the calculator or the parser.
type Money struct {
	d decimal.Decimal
}

// NewMoney rounds d to minor units using banker's rounding.
func NewMoney(d decimal.Decimal) Money {
	return Money{d: d.RoundBank(2)}
}

// ParseMoney parses a plain decimal string such as "8.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("ParseMoney: %q: %w", s, err)
	}
	return NewMoney(d), nil
}

// MustMoney is ParseMoney for constants and tests.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the rounded value.
func (m Money) Decimal() decimal.Decimal { return m.d }

// IsZero reports whether the value is 0.00.
func (m Money) IsZero() bool { return m.d.IsZero() }

// Equal compares two rounded values.
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }

// String renders the value with exactly two decimals, e.g. "10.80".
func (m Money) String() string { return m.d.StringFixed(2) }

// MarshalJSON encodes money as a fixed two-decimal string so clients never
// round-trip it through a float.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(m.String())), nil
}

// UnmarshalJSON accepts both quoted and bare numbers.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
