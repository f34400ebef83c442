// Package money converts between caller-facing decimal amounts and the integer
// cent values carried on the wire and stored in the ledgers.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is the only currency unit the ledgers hold.
const Currency = "USD"

// scale is the number of fractional digits in one currency unit.
const scale = 2

var (
	// ErrNotPositive reports a zero or negative amount.
	ErrNotPositive = errors.New("amount must be greater than zero")
	// ErrTooPrecise reports an amount with more than two fractional digits.
	ErrTooPrecise = errors.New("amount must have at most two decimal places")
	// ErrOutOfRange reports an amount that does not fit in int64 cents.
	ErrOutOfRange = errors.New("amount is out of range")
)

var hundred = decimal.NewFromInt(100)

// maxCents bounds amounts so ledger sums stay far from int64 overflow.
var maxCents = decimal.NewFromInt(1_000_000_000_000)

// ParseAmount parses a decimal string such as "60.00" into positive cents.
func ParseAmount(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, ErrNotPositive
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return ToCents(amount)
}

// ToCents converts a positive decimal amount with at most two fractional
// digits into cents.
func ToCents(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, ErrNotPositive
	}
	if !amount.Equal(amount.Round(scale)) {
		return 0, ErrTooPrecise
	}
	cents := amount.Mul(hundred)
	if cents.GreaterThan(maxCents) {
		return 0, ErrOutOfRange
	}
	return cents.IntPart(), nil
}

// FromCents returns the decimal value of cents.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -scale)
}

// Format renders cents as a fixed two-decimal string.
func Format(cents int64) string {
	return FromCents(cents).StringFixed(scale)
}
