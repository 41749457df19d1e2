package math_test

import (
	"testing"

	fpmath "PerpClear/internal/math"

	"github.com/google/uuid"
)

// ============================================================================
// Test: Notional and unrealized PnL
// ============================================================================

func TestComputeNotional_Exact(t *testing.T) {
	// 7.866 base at 103.222 quote/base = 811.944252 quote, exactly.
	got := fpmath.ComputeNotional(
		7_866_000, 103_222_000,
		fpmath.PriceConfig.Scale, fpmath.QuantityConfig.Scale, fpmath.QuoteConfig.Scale)
	if got != 811_944_252 {
		t.Errorf("notional = %d, want 811944252", got)
	}
}

func TestComputeNotional_SignFollowsSize(t *testing.T) {
	long := fpmath.ComputeNotional(
		2_000_000, 100_000_000,
		fpmath.PriceConfig.Scale, fpmath.QuantityConfig.Scale, fpmath.QuoteConfig.Scale)
	short := fpmath.ComputeNotional(
		-2_000_000, 100_000_000,
		fpmath.PriceConfig.Scale, fpmath.QuantityConfig.Scale, fpmath.QuoteConfig.Scale)

	if long != 200_000_000 {
		t.Errorf("long notional = %d, want 200000000", long)
	}
	if short != -200_000_000 {
		t.Errorf("short notional = %d, want -200000000", short)
	}
}

func TestComputeUnrealizedPnL_OpenNotionalConvention(t *testing.T) {
	// Long 7.866 opened for 800 quote (openNotional -800), index 103.222:
	// pnl = 811.944252 - 800 = 11.944252.
	got := fpmath.ComputeUnrealizedPnL(
		7_866_000, -800_000_000, 103_222_000,
		fpmath.PriceConfig.Scale, fpmath.QuantityConfig.Scale, fpmath.QuoteConfig.Scale)
	if got != 11_944_252 {
		t.Errorf("unrealized pnl = %d, want 11944252", got)
	}

	// Short 2.0 opened for 200 quote received (openNotional +200), index 90:
	// pnl = -180 + 200 = 20.
	got = fpmath.ComputeUnrealizedPnL(
		-2_000_000, 200_000_000, 90_000_000,
		fpmath.PriceConfig.Scale, fpmath.QuantityConfig.Scale, fpmath.QuoteConfig.Scale)
	if got != 20_000_000 {
		t.Errorf("short unrealized pnl = %d, want 20000000", got)
	}
}

// ============================================================================
// Test: Rounding
// ============================================================================

func TestMulDivRound_HalfEven(t *testing.T) {
	cases := []struct {
		a, b, denom int64
		want        int64
	}{
		{5, 1, 2, 2},   // 2.5 rounds to even 2
		{7, 1, 2, 4},   // 3.5 rounds to even 4
		{3, 1, 2, 2},   // 1.5 rounds to even 2
		{-5, 1, 2, -2}, // -2.5 rounds to even -2
		{1, 1, 3, 0},   // 0.33 rounds down
		{2, 1, 3, 1},   // 0.67 rounds up
		{6, 1, 2, 3},   // exact
	}

	for _, tc := range cases {
		if got := fpmath.MulDivRound(tc.a, tc.b, tc.denom); got != tc.want {
			t.Errorf("MulDivRound(%d, %d, %d) = %d, want %d", tc.a, tc.b, tc.denom, got, tc.want)
		}
	}
}

func TestMulDivRound_LargeIntermediates(t *testing.T) {
	// 9.2e18-ish intermediate would overflow int64 multiplication; the
	// int128 path must survive it.
	got := fpmath.MulDivRound(4_000_000_000_000, 3_000_000_000, 1_000_000_000)
	if got != 12_000_000_000_000 {
		t.Errorf("got %d, want 12000000000000", got)
	}
}

func TestProportionalShare_ExactHalf(t *testing.T) {
	got := fpmath.ProportionalShare(-800_000_000, 3_933_000, 7_866_000)
	if got != -400_000_000 {
		t.Errorf("share = %d, want -400000000", got)
	}
}

func TestApplyRatio(t *testing.T) {
	// 10% of 811.944252 = 81.1944252, rounds half-even to 81.194425.
	got := fpmath.ApplyRatio(811_944_252, 100_000, fpmath.RatioConfig.Scale)
	if got != 81_194_425 {
		t.Errorf("ratio = %d, want 81194425", got)
	}
}

// ============================================================================
// Test: Funding
// ============================================================================

func TestComputeFundingPayment_LongPaysPositiveRate(t *testing.T) {
	// 0.01% rate on 2.0 base at 100 quote/base = 0.02 quote.
	rate := int64(10_000) // 0.0001 at rate scale 1e8

	long := fpmath.ComputeFundingPayment(rate, 2_000_000, 100_000_000)
	if long != 20_000 {
		t.Errorf("long payment = %d, want 20000", long)
	}

	short := fpmath.ComputeFundingPayment(rate, -2_000_000, 100_000_000)
	if short != -20_000 {
		t.Errorf("short payment = %d, want -20000", short)
	}
}

func TestComputeFundingPayment_NegativeRateReverses(t *testing.T) {
	long := fpmath.ComputeFundingPayment(-10_000, 2_000_000, 100_000_000)
	if long != -20_000 {
		t.Errorf("long payment at negative rate = %d, want -20000", long)
	}
}

func TestComputeFundingSettlement_OrderingAndResidual(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	// Deliberately out of order on input.
	positions := []fpmath.PositionForFunding{
		{TraderID: [16]byte(b), Size: -1_000_000},
		{TraderID: [16]byte(a), Size: 2_000_000},
	}

	s := fpmath.ComputeFundingSettlement("BTC-USD", 7, 10_000, 100_000_000, positions)

	if len(s.Payments) != 2 {
		t.Fatalf("payments = %d, want 2", len(s.Payments))
	}
	if s.Payments[0].TraderID != [16]byte(a) || s.Payments[1].TraderID != [16]byte(b) {
		t.Error("payments not in trader-ID order")
	}
	if s.Payments[0].Payment != 20_000 {
		t.Errorf("long pays %d, want 20000", s.Payments[0].Payment)
	}
	if s.Payments[1].Payment != -10_000 {
		t.Errorf("short receives %d, want -10000", s.Payments[1].Payment)
	}
	// Imbalanced open interest leaves a residual for the fee account.
	if s.Residual != 10_000 {
		t.Errorf("residual = %d, want 10000", s.Residual)
	}
}

func TestComputeFundingSettlement_SkipsFlatPositions(t *testing.T) {
	a := uuid.New()
	positions := []fpmath.PositionForFunding{
		{TraderID: [16]byte(a), Size: 0},
	}

	s := fpmath.ComputeFundingSettlement("BTC-USD", 1, 10_000, 100_000_000, positions)
	if len(s.Payments) != 0 {
		t.Errorf("payments = %d, want 0", len(s.Payments))
	}
	if s.Residual != 0 {
		t.Errorf("residual = %d, want 0", s.Residual)
	}
}

// ============================================================================
// Test: Helpers
// ============================================================================

func TestSignAbsMinMax(t *testing.T) {
	if fpmath.Sign64(-3) != -1 || fpmath.Sign64(0) != 0 || fpmath.Sign64(9) != 1 {
		t.Error("Sign64 wrong")
	}
	if fpmath.Abs64(-7) != 7 || fpmath.Abs64(7) != 7 {
		t.Error("Abs64 wrong")
	}
	if fpmath.Min64(2, 3) != 2 || fpmath.Max64(2, 3) != 3 {
		t.Error("Min64/Max64 wrong")
	}
}
