package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseFixed converts a human decimal string into 6-decimal fixed point.
// Excess fractional digits are a precision violation, not a rounding
// opportunity: the ledger stores exact micro-units and must never absorb
// sub-precision dust from the API.
func ParseFixed(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}

	scaled := d.Shift(int32(QuoteConfig.DecimalPrecision))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("decimal %q exceeds %d fractional digits", s, QuoteConfig.DecimalPrecision)
	}

	big := scaled.BigInt()
	if !big.IsInt64() {
		return 0, fmt.Errorf("decimal %q overflows the fixed-point range", s)
	}
	return big.Int64(), nil
}

// FormatFixed renders a 6-decimal fixed-point value as a decimal string.
func FormatFixed(v int64) string {
	return decimal.New(v, -int32(QuoteConfig.DecimalPrecision)).String()
}
