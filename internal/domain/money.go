package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Cents — integer minor-unit money
// ──────────────────────────────────────────────────────────────────────────────

// Cents is a monetary amount in integer minor units (1/100 of the display
// currency). All internal arithmetic happens on this type; decimals appear
// only at serialisation boundaries. Stored as BIGINT.
type Cents int64

// Decimal returns the display-currency value (two fractional digits exact).
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// Float returns the display-currency value as a float64. Only for logging and
// metrics; wire payloads should use Decimal.
func (c Cents) Float() float64 {
	return float64(c) / 100
}

// CentsFromDecimal converts a display-currency decimal to cents, rounding
// half-up to two fractional digits first.
func CentsFromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Round(2).Shift(2).IntPart())
}

// CentsFromFloat converts a display-currency float to cents. The boolean is
// false for NaN or ±Inf inputs, which callers must reject.
func CentsFromFloat(v float64) (Cents, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return CentsFromDecimal(decimal.NewFromFloat(v)), true
}

// WinPayout computes the payout for a winning bet:
//
//	payout = round(amount × multiplier, 2)
//
// performed on decimals so that no float error ever reaches a balance.
func WinPayout(amount Cents, multiplier decimal.Decimal) Cents {
	return CentsFromDecimal(amount.Decimal().Mul(multiplier))
}
