package domain_test

import (
	"math"
	"testing"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/shopspring/decimal"
)

// ── Row projection ────────────────────────────────────────────────────────────

// TestGridSpec_RowForPrice checks the price→row projection.
//
//	Grid: 11 rows (0..10), centre 5, sensitivity 2000
//	  (2000 rows per 100 % move ⇒ one row per 0.05 % move)
//
//	startPrice 100:
//	  price 100.00 → offset 0      → row 5
//	  price 100.05 → offset +1     → row 6
//	  price  99.90 → offset −2     → row 3
//	  price 101.00 → offset +20    → clamped to row 10
//	  price  95.00 → offset −100   → clamped to row 0
func TestGridSpec_RowForPrice(t *testing.T) {
	g := domain.GridSpec{Rows: 11, Sensitivity: 2000}

	cases := []struct {
		price float64
		want  int
	}{
		{100.00, 5},
		{100.05, 6},
		{99.90, 3},
		{101.00, 10},
		{95.00, 0},
	}
	for _, tc := range cases {
		if got := g.RowForPrice(100, tc.price); got != tc.want {
			t.Errorf("RowForPrice(100, %v) = %d, want %d", tc.price, got, tc.want)
		}
	}
}

func TestGridSpec_RowForPrice_Guards(t *testing.T) {
	g := domain.GridSpec{Rows: 11, Sensitivity: 2000}

	if got := g.RowForPrice(0, 123); got != g.CenterRow() {
		t.Errorf("zero start price: row = %d, want centre %d", got, g.CenterRow())
	}
	if got := g.RowForPrice(100, math.NaN()); got != g.CenterRow() {
		t.Errorf("NaN price: row = %d, want centre %d", got, g.CenterRow())
	}
	if got := g.RowForPrice(100, math.Inf(1)); got != g.CenterRow() {
		t.Errorf("Inf price: row = %d, want centre %d", got, g.CenterRow())
	}
}

func TestGridSpec_Validate(t *testing.T) {
	cases := []struct {
		name    string
		g       domain.GridSpec
		wantErr bool
	}{
		{"ok", domain.GridSpec{Rows: 11, Sensitivity: 2000}, false},
		{"too few rows", domain.GridSpec{Rows: 1, Sensitivity: 2000}, true},
		{"even rows", domain.GridSpec{Rows: 10, Sensitivity: 2000}, true},
		{"zero sensitivity", domain.GridSpec{Rows: 11, Sensitivity: 0}, true},
		{"nan sensitivity", domain.GridSpec{Rows: 11, Sensitivity: math.NaN()}, true},
	}
	for _, tc := range cases {
		err := tc.g.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: Validate() err = %v, wantErr = %v", tc.name, err, tc.wantErr)
		}
	}
}

// ── Multiplier curve ──────────────────────────────────────────────────────────

// TestMultiplierCurve_Multiplier checks the payout factor function.
//
//	Curve: base 1.20, rowStep 0.35, timeStep 0.02, clamp [1.01, 100]
//
//	distance 0, earliness 0  → 1.20
//	distance 2, earliness 0  → 1.20 + 0.70        = 1.90
//	distance 0, earliness 10 → 1.20 + 0.20        = 1.40
//	distance 3, earliness 5  → 1.20 + 1.05 + 0.10 = 2.35
func TestMultiplierCurve_Multiplier(t *testing.T) {
	c := domain.DefaultMultiplierCurve()

	cases := []struct {
		distance  int
		earliness float64
		want      string
	}{
		{0, 0, "1.2"},
		{2, 0, "1.9"},
		{0, 10, "1.4"},
		{3, 5, "2.35"},
		{-3, 5, "2.35"}, // distance is absolute
	}
	for _, tc := range cases {
		want, _ := decimal.NewFromString(tc.want)
		got := c.Multiplier(tc.distance, tc.earliness)
		if !got.Equal(want) {
			t.Errorf("Multiplier(%d, %v) = %s, want %s", tc.distance, tc.earliness, got, want)
		}
	}
}

func TestMultiplierCurve_Clamps(t *testing.T) {
	c := domain.MultiplierCurve{Base: 0.5, RowStep: 10, TimeStep: 0, Min: 1.01, Max: 100}

	if got := c.Multiplier(0, 0); !got.Equal(decimal.NewFromFloat(1.01)) {
		t.Errorf("below-min multiplier = %s, want 1.01", got)
	}
	if got := c.Multiplier(1000, 0); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("above-max multiplier = %s, want 100", got)
	}
}

func TestMultiplierCurve_NonFiniteEarliness(t *testing.T) {
	c := domain.DefaultMultiplierCurve()
	for _, e := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), -5} {
		got := c.Multiplier(1, e)
		// falls back to earliness 0: base + rowStep
		want := decimal.NewFromFloat(1.55)
		if !got.Equal(want) {
			t.Errorf("Multiplier(1, %v) = %s, want %s", e, got, want)
		}
	}
}

func TestMultiplierCurve_Validate(t *testing.T) {
	cases := []struct {
		name    string
		c       domain.MultiplierCurve
		wantErr bool
	}{
		{"defaults", domain.DefaultMultiplierCurve(), false},
		{"min below 1", domain.MultiplierCurve{Base: 1.2, Min: 0.5, Max: 100}, true},
		{"max below min", domain.MultiplierCurve{Base: 1.2, Min: 2, Max: 1.5}, true},
		{"negative step", domain.MultiplierCurve{Base: 1.2, RowStep: -1, Min: 1.01, Max: 100}, true},
		{"nan base", domain.MultiplierCurve{Base: math.NaN(), Min: 1.01, Max: 100}, true},
	}
	for _, tc := range cases {
		err := tc.c.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: Validate() err = %v, wantErr = %v", tc.name, err, tc.wantErr)
		}
	}
}

// TestCellMultiplier resolves a full cell on the default grid.
//
//	Grid: 11 rows, centre 5. Curve: defaults. maxDuration 30 s.
//	Cell (row 8, t=20): distance 3, earliness 10
//	  1.20 + 3×0.35 + 10×0.02 = 2.45
func TestCellMultiplier(t *testing.T) {
	g := domain.GridSpec{Rows: 11, Sensitivity: 2000}
	c := domain.DefaultMultiplierCurve()

	got := domain.CellMultiplier(c, g, 8, 20, 30)
	want := decimal.NewFromFloat(2.45)
	if !got.Equal(want) {
		t.Errorf("CellMultiplier(row 8, t 20) = %s, want %s", got, want)
	}
}

// ── Snapshot bucketing ────────────────────────────────────────────────────────

func TestSnapshotBucket(t *testing.T) {
	cases := []struct {
		elapsed float64
		want    int64
	}{
		{0, 0},
		{0.049, 0},
		{0.1, 1},
		{0.199, 1},
		{2.0, 20},
		{29.95, 299},
	}
	for _, tc := range cases {
		if got := domain.SnapshotBucket(tc.elapsed); got != tc.want {
			t.Errorf("SnapshotBucket(%v) = %d, want %d", tc.elapsed, got, tc.want)
		}
	}
}
