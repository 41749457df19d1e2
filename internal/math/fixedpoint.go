package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}     // index/execution prices
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}     // base-asset size
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}     // settlement-asset amounts
	RatioConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}     // margin/fee/penalty ratios
	RateConfig     = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}   // funding rate
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	// Apply rounding
	result := quotient.Int64()

	if roundingMode == RoundHalfEven {
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			// remainder > half: round up
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			// remainder == half and even denominator: round to even
			if result%2 != 0 {
				result++
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MulDivRound computes a * b / denominator through an int128 intermediate.
func MulDivRound(a, b, denominator int64) int64 {
	raw := MultiplyInt128(a, b)
	result := DivideInt128(raw, denominator, RoundHalfEven)
	putInt128(raw)
	return result
}

// ComputeNotional converts a signed base size at a price into a signed
// quote-asset value: size * price scaled to quote precision.
func ComputeNotional(
	size int64,
	price int64,
	priceScale int64,
	qtyScale int64,
	quoteScale int64,
) int64 {
	raw := MultiplyInt128(size, price)
	raw.Mul(raw, big.NewInt(quoteScale))
	denominator := priceScale * qtyScale

	result := DivideInt128(raw, denominator, RoundHalfEven)

	putInt128(raw)

	return result
}

// ComputeUnrealizedPnL values a position at the index price using the
// open-notional convention: pnl = positionValue(indexPrice) + openNotional.
// openNotional carries the opposite sign of size, so the sum nets to the
// gain or loss versus the open cost.
func ComputeUnrealizedPnL(
	size int64,
	openNotional int64,
	indexPrice int64,
	priceScale int64,
	qtyScale int64,
	quoteScale int64,
) int64 {
	return ComputeNotional(size, indexPrice, priceScale, qtyScale, quoteScale) + openNotional
}

// ProportionalShare computes value * part / whole with banker's rounding.
// Used to carve the closed fraction out of a position's open notional.
// whole must be non-zero.
func ProportionalShare(value, part, whole int64) int64 {
	return MulDivRound(value, part, whole)
}

// ApplyRatio scales a quote amount by a fixed-point ratio (RatioConfig scale).
func ApplyRatio(amount, ratio, ratioScale int64) int64 {
	return MulDivRound(amount, ratio, ratioScale)
}

// Abs64 returns |v|. Callers never pass math.MinInt64.
func Abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Sign64 returns -1, 0 or +1.
func Sign64(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Min64 returns the smaller of a and b.
func Min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max64 returns the larger of a and b.
func Max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
