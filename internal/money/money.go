// Package money provides fixed-point amount parsing and arithmetic.
//
// All platform currencies (NGN, USDC, USDT) settle at 2 decimal places.
// Amounts are decimal.Decimal under the hood, never binary floating
// point. Any input carrying more precision than the currency's minimum
// unit is rejected rather than rounded.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrPrecision       = errors.New("money: amount exceeds currency precision")
	ErrUnknownCurrency = errors.New("money: unknown currency")
	ErrCurrencyMixed   = errors.New("money: mismatched currencies")
)

// Currency is one of the platform's settlement currencies.
type Currency string

const (
	NGN  Currency = "NGN"
	USDC Currency = "USDC"
	USDT Currency = "USDT"
)

// Scale is the number of decimal places for all supported currencies.
const Scale = 2

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	switch c {
	case NGN, USDC, USDT:
		return true
	}
	return false
}

// ParseCurrency validates a currency code string.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return c, nil
}

// Amount is a fixed-point monetary value in a single currency.
type Amount struct {
	value    decimal.Decimal
	currency Currency
}

// Parse converts a decimal string (e.g. "40.00") into an Amount.
// Negative values are allowed; callers validate sign against context.
// Returns ErrPrecision if the value has more than Scale decimal places.
func Parse(s string, cur Currency) (Amount, error) {
	if !cur.Valid() {
		return Amount{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, cur)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Exponent() < -Scale && !d.Equal(d.Truncate(Scale)) {
		return Amount{}, fmt.Errorf("%w: %q has more than %d decimal places", ErrPrecision, s, Scale)
	}
	return Amount{value: d, currency: cur}, nil
}

// MustParse is Parse that panics on error. Test helper.
func MustParse(s string, cur Currency) Amount {
	a, err := Parse(s, cur)
	if err != nil {
		panic(err)
	}
	return a
}

// Zero returns the zero amount in the given currency.
func Zero(cur Currency) Amount {
	return Amount{value: decimal.Zero, currency: cur}
}

// Currency returns the amount's currency.
func (a Amount) Currency() Currency { return a.currency }

// String renders the amount with exactly Scale decimal places.
func (a Amount) String() string {
	return a.value.StringFixed(Scale)
}

// Add returns a+b. Both amounts must share a currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.currency != b.currency {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMixed, a.currency, b.currency)
	}
	return Amount{value: a.value.Add(b.value), currency: a.currency}, nil
}

// Sub returns a-b. Both amounts must share a currency.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.currency != b.currency {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMixed, a.currency, b.currency)
	}
	return Amount{value: a.value.Sub(b.value), currency: a.currency}, nil
}

// Neg returns -a.
func (a Amount) Neg() Amount {
	return Amount{value: a.value.Neg(), currency: a.currency}
}

// Abs returns |a|.
func (a Amount) Abs() Amount {
	return Amount{value: a.value.Abs(), currency: a.currency}
}

// Cmp compares a and b: -1 if a<b, 0 if equal, +1 if a>b.
// Comparing amounts of different currencies is a programming error;
// callers must have validated currency equality first.
func (a Amount) Cmp(b Amount) int {
	return a.value.Cmp(b.value)
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.value.IsZero() }

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool { return a.value.IsNegative() }

// IsPositive reports whether the amount is above zero.
func (a Amount) IsPositive() bool { return a.value.IsPositive() }
