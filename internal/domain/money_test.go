package domain_test

import (
	"math"
	"testing"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/shopspring/decimal"
)

// ── Cents conversions ─────────────────────────────────────────────────────────

func TestCents_Decimal_RoundTrip(t *testing.T) {
	cases := []struct {
		cents domain.Cents
		want  string
	}{
		{0, "0"},
		{1, "0.01"},
		{100, "1"},
		{1050, "10.5"},
		{-250, "-2.5"},
		{999999999, "9999999.99"},
	}
	for _, tc := range cases {
		d := tc.cents.Decimal()
		if d.String() != tc.want {
			t.Errorf("Cents(%d).Decimal() = %s, want %s", tc.cents, d, tc.want)
		}
		back := domain.CentsFromDecimal(d)
		if back != tc.cents {
			t.Errorf("CentsFromDecimal(%s) = %d, want %d", d, back, tc.cents)
		}
	}
}

func TestCentsFromDecimal_RoundsHalfUp(t *testing.T) {
	cases := []struct {
		in   string
		want domain.Cents
	}{
		{"10.004", 1000},
		{"10.005", 1001},
		{"10.999", 1100},
		{"-0.005", -1}, // shopspring rounds half away from zero
	}
	for _, tc := range cases {
		d, _ := decimal.NewFromString(tc.in)
		if got := domain.CentsFromDecimal(d); got != tc.want {
			t.Errorf("CentsFromDecimal(%s) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestCentsFromFloat_RejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, ok := domain.CentsFromFloat(v); ok {
			t.Errorf("CentsFromFloat(%v) accepted, want rejection", v)
		}
	}
	got, ok := domain.CentsFromFloat(12.34)
	if !ok || got != 1234 {
		t.Errorf("CentsFromFloat(12.34) = %d, %v; want 1234, true", got, ok)
	}
}

// ── Payout math ───────────────────────────────────────────────────────────────

// TestWinPayout verifies payout = round(amount × multiplier, 2) stays exact in
// cents. No I/O — pure arithmetic.
//
//	Scenario:
//	  amount     = 10.00  (1000 cents)
//	  multiplier = 2.00
//	  payout     = 20.00  (2000 cents)
//
//	Rounding case:
//	  amount     = 3.33 (333 cents)
//	  multiplier = 1.15
//	  raw        = 3.8295 → 3.83 (383 cents)
func TestWinPayout(t *testing.T) {
	cases := []struct {
		amount     domain.Cents
		multiplier string
		want       domain.Cents
	}{
		{1000, "2", 2000},
		{333, "1.15", 383},
		{1, "1.01", 1},    // 0.0101 → 0.01
		{50, "100", 5000}, // max multiplier
		{0, "2", 0},
	}
	for _, tc := range cases {
		mult, _ := decimal.NewFromString(tc.multiplier)
		if got := domain.WinPayout(tc.amount, mult); got != tc.want {
			t.Errorf("WinPayout(%d, %s) = %d, want %d", tc.amount, tc.multiplier, got, tc.want)
		}
	}
}

func TestBet_ExpectedPayout(t *testing.T) {
	b := &domain.Bet{
		Amount:     1000,
		Multiplier: decimal.NewFromFloat(2.0),
	}
	if got := b.ExpectedPayout(); got != 2000 {
		t.Errorf("ExpectedPayout() = %d, want 2000", got)
	}
}

// ── Ledger row invariant ──────────────────────────────────────────────────────

func TestTransaction_Balanced(t *testing.T) {
	tx := &domain.Transaction{Amount: -1000, BalanceBefore: 25000, BalanceAfter: 24000}
	if !tx.Balanced() {
		t.Errorf("row with after-before == amount reported unbalanced")
	}
	tx.BalanceAfter = 24001
	if tx.Balanced() {
		t.Errorf("row with after-before != amount reported balanced")
	}
}
