package service

import (
	"math"
	"testing"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/shopspring/decimal"
)

func riskFixture(maxRoundPayout float64) *RiskService {
	cfg := &config.Config{}
	cfg.Risk.MaxRoundPayout = maxRoundPayout
	return &RiskService{cfg: cfg}
}

func TestRiskService_MaxRoundPayout(t *testing.T) {
	pool := domain.Cents(10_000_00) // 10,000.00

	cases := []struct {
		name string
		raw  float64
		want domain.Cents
	}{
		{"pool ratio", 0.5, 5_000_00},
		{"full pool", 1, 10_000_00},
		{"absolute display amount", 2500, 2_500_00},
		{"zero disables", 0, 0},
		{"negative clamps", -3, 0},
		{"nan clamps", math.NaN(), 0},
		{"inf clamps", math.Inf(1), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := riskFixture(tc.raw)
			if got := s.MaxRoundPayout(pool); got != tc.want {
				t.Fatalf("MaxRoundPayout = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRiskService_AssessBet(t *testing.T) {
	s := riskFixture(0.1) // cap = 10% of pool
	pool := domain.Cents(10_000_00)
	mult := decimal.NewFromFloat(2.5)

	a := s.AssessBet(3, pool, 100_00, mult, 1000_00)
	if !a.Allowed {
		t.Fatalf("assessment = %+v, want allowed", a)
	}
	if a.ProjectedPayout != 250_00 {
		t.Fatalf("projected = %d, want 25000", a.ProjectedPayout)
	}
	if a.MaxRoundPayout != 1_000_00 {
		t.Fatalf("cap = %d, want 100000", a.MaxRoundPayout)
	}
	// 1000.00 / 2.5 = 400.00 max stake under the cap, below the base max bet.
	if a.MaxBetAllowed != 400_00 {
		t.Fatalf("maxBetAllowed = %d, want 40000", a.MaxBetAllowed)
	}

	over := s.AssessBet(3, pool, 500_00, mult, 1000_00)
	if over.Allowed {
		t.Fatalf("assessment = %+v, want rejected (payout 1250 > cap 1000)", over)
	}

	if bad := s.AssessBet(0, pool, 0, mult, 1000_00); bad.Allowed {
		t.Fatal("zero amount must never be allowed")
	}
	if bad := s.AssessBet(0, pool, 100_00, decimal.Zero, 1000_00); bad.Allowed {
		t.Fatal("non-positive multiplier must never be allowed")
	}
}
