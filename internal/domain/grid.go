package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// GridSpec — the row/time cell space of a round
// ──────────────────────────────────────────────────────────────────────────────

// HitTimeTolerance is the half-width, in seconds, of the time window around a
// bet's targetTime inside which the price path may strike the cell. Row
// tolerance is configurable; the time tolerance is fixed so live resolution
// and after-the-fact snapshot resolution always agree.
const HitTimeTolerance = 0.5

// GridSpec describes the 2-D grid a round is played on. Row indices run
// 0..Rows-1 with the centre row representing the start price; time runs in
// seconds since the round started.
type GridSpec struct {
	Rows        int     // total row count; must be odd so a single centre row exists
	Sensitivity float64 // rows per 1.0 of relative price move (Δprice/startPrice)
}

// CenterRow returns the row index representing zero price deviation.
func (g GridSpec) CenterRow() int {
	return g.Rows / 2
}

// MinRow returns the lowest valid row index.
func (g GridSpec) MinRow() int {
	return 0
}

// MaxRow returns the highest valid row index.
func (g GridSpec) MaxRow() int {
	return g.Rows - 1
}

// RowInBounds reports whether row is a valid target on this grid.
func (g GridSpec) RowInBounds(row int) bool {
	return row >= g.MinRow() && row <= g.MaxRow()
}

// RowForPrice projects currentPrice onto the grid:
//
//	offset = (currentPrice − startPrice) / startPrice × Sensitivity
//	row    = clamp(CenterRow + round(offset), 0, Rows−1)
//
// A non-positive startPrice projects to the centre row (guard against a round
// created before the first price arrived).
func (g GridSpec) RowForPrice(startPrice, currentPrice float64) int {
	if startPrice <= 0 || math.IsNaN(currentPrice) || math.IsInf(currentPrice, 0) {
		return g.CenterRow()
	}
	offset := (currentPrice - startPrice) / startPrice * g.Sensitivity
	row := g.CenterRow() + int(math.Round(offset))
	if row < g.MinRow() {
		return g.MinRow()
	}
	if row > g.MaxRow() {
		return g.MaxRow()
	}
	return row
}

// Validate checks the grid parameters at config load time.
func (g GridSpec) Validate() error {
	if g.Rows < 3 {
		return fmt.Errorf("grid rows must be >= 3, got %d", g.Rows)
	}
	if g.Rows%2 == 0 {
		return fmt.Errorf("grid rows must be odd, got %d", g.Rows)
	}
	if g.Sensitivity <= 0 || math.IsNaN(g.Sensitivity) || math.IsInf(g.Sensitivity, 0) {
		return fmt.Errorf("grid sensitivity must be positive, got %v", g.Sensitivity)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// MultiplierCurve — payout factor per (row, time) cell
// ──────────────────────────────────────────────────────────────────────────────

// MultiplierCurve parameterises the fixed payout-factor function. Cells far
// from the centre row and early in the round pay more:
//
//	raw = Base + RowStep × |targetRow − centre| + TimeStep × (maxDuration − targetTime)
//
// clamped to [Min, Max] and rounded to two decimals. The YAML tags let
// operators override the defaults from a curve file.
type MultiplierCurve struct {
	Base     float64 `yaml:"base"`
	RowStep  float64 `yaml:"row_step"`
	TimeStep float64 `yaml:"time_step"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
}

// DefaultMultiplierCurve returns the built-in curve used when no curve file is
// configured.
func DefaultMultiplierCurve() MultiplierCurve {
	return MultiplierCurve{
		Base:     1.20,
		RowStep:  0.35,
		TimeStep: 0.02,
		Min:      1.01,
		Max:      100,
	}
}

// Multiplier computes the payout factor for a cell at rowDistance rows from
// the centre and earliness seconds before the round's maximum duration. The
// result is exact to two decimals and always within [Min, Max].
func (c MultiplierCurve) Multiplier(rowDistance int, earliness float64) decimal.Decimal {
	if rowDistance < 0 {
		rowDistance = -rowDistance
	}
	if earliness < 0 || math.IsNaN(earliness) || math.IsInf(earliness, 0) {
		earliness = 0
	}
	raw := c.Base + c.RowStep*float64(rowDistance) + c.TimeStep*earliness
	switch {
	case math.IsNaN(raw), raw < c.Min:
		raw = c.Min
	case raw > c.Max, math.IsInf(raw, 1):
		raw = c.Max
	}
	return decimal.NewFromFloat(raw).Round(2)
}

// Validate checks the curve parameters at config load time.
func (c MultiplierCurve) Validate() error {
	for name, v := range map[string]float64{
		"base": c.Base, "row_step": c.RowStep, "time_step": c.TimeStep,
		"min": c.Min, "max": c.Max,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("multiplier curve %s is not finite", name)
		}
	}
	if c.Min < 1 {
		return fmt.Errorf("multiplier curve min must be >= 1, got %v", c.Min)
	}
	if c.Max <= c.Min {
		return fmt.Errorf("multiplier curve max must exceed min (%v <= %v)", c.Max, c.Min)
	}
	if c.RowStep < 0 || c.TimeStep < 0 {
		return fmt.Errorf("multiplier curve steps must be non-negative")
	}
	return nil
}

// CellMultiplier resolves the payout factor for a target cell on grid g with
// the given round duration. This is the single multiplier entry point used by
// bet intake; it is pure and safe to call from tests.
func CellMultiplier(c MultiplierCurve, g GridSpec, targetRow int, targetTime, maxDuration float64) decimal.Decimal {
	distance := targetRow - g.CenterRow()
	return c.Multiplier(distance, maxDuration-targetTime)
}
