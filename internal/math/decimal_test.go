package math_test

import (
	"testing"

	fpmath "PerpClear/internal/math"
)

// ============================================================================
// Test: Decimal-string boundary
// ============================================================================

func TestParseFixed(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"100", 100_000_000},
		{"103.222", 103_222_000},
		{"-800.5", -800_500_000},
		{"0.000001", 1},
		{"0", 0},
	}

	for _, tc := range cases {
		got, err := fpmath.ParseFixed(tc.in)
		if err != nil {
			t.Errorf("ParseFixed(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseFixed(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseFixed_RejectsExcessPrecision(t *testing.T) {
	if _, err := fpmath.ParseFixed("1.0000001"); err == nil {
		t.Error("seven fractional digits should fail")
	}
}

func TestParseFixed_RejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3"} {
		if _, err := fpmath.ParseFixed(in); err == nil {
			t.Errorf("ParseFixed(%q) should fail", in)
		}
	}
}

func TestParseFixed_RejectsOverflow(t *testing.T) {
	if _, err := fpmath.ParseFixed("10000000000000000000"); err == nil {
		t.Error("value past the fixed-point range should fail")
	}
}

func TestFormatFixed(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{103_222_000, "103.222"},
		{-800_500_000, "-800.5"},
		{1, "0.000001"},
		{0, "0"},
	}

	for _, tc := range cases {
		if got := fpmath.FormatFixed(tc.in); got != tc.want {
			t.Errorf("FormatFixed(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"103.222", "-0.5", "811.944252"} {
		v, err := fpmath.ParseFixed(s)
		if err != nil {
			t.Fatalf("ParseFixed(%q) failed: %v", s, err)
		}
		if got := fpmath.FormatFixed(v); got != s {
			t.Errorf("round trip %q -> %d -> %q", s, v, got)
		}
	}
}
