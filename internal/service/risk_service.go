package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// reserveScript atomically reserves an expected payout against a round's cap.
// KEYS[1] = round total key, KEYS[2] = per-order key.
// ARGV: maxPayout, delta, ttlMs. Replays of the same order are allowed without
// reserving again, so intake retries cannot double-count. The 1e-6 pad keeps
// float-configured caps from rejecting on representation noise; reservation
// values themselves are integer cents.
//
// Returns {allowed, didReserve, total, delta}.
var reserveScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[2])
local total = tonumber(redis.call('GET', KEYS[1]) or '0')
if existing then
    return {1, 0, total, tonumber(existing)}
end
local max = tonumber(ARGV[1])
local delta = tonumber(ARGV[2])
if total + delta > max + 0.000001 then
    return {0, 0, total, 0}
end
local newTotal = total + delta
redis.call('SET', KEYS[2], delta, 'PX', ARGV[3])
redis.call('SET', KEYS[1], newTotal, 'PX', ARGV[3])
return {1, 1, newTotal, delta}
`)

// releaseScript undoes one order's reservation. Absent keys make it a no-op
// so release is safe to call on every failure path.
//
// Returns {released, total, delta}.
var releaseScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[2])
local total = tonumber(redis.call('GET', KEYS[1]) or '0')
if not existing then
    return {0, total, 0}
end
local delta = tonumber(existing)
local newTotal = total - delta
if newTotal < 0 then
    newTotal = 0
end
redis.call('SET', KEYS[1], newTotal, 'PX', ARGV[1])
redis.call('DEL', KEYS[2])
return {1, newTotal, delta}
`)

// ──────────────────────────────────────────────────────────────────────────────
// RiskService
// ──────────────────────────────────────────────────────────────────────────────

// RiskAssessment is the intake pre-check result for one bet.
type RiskAssessment struct {
	Allowed         bool         `json:"allowed"`
	MaxBetAllowed   domain.Cents `json:"max_bet_allowed"`
	ProjectedPayout domain.Cents `json:"projected_payout"`
	PoolBalance     domain.Cents `json:"pool_balance"`
	MaxRoundPayout  domain.Cents `json:"max_round_payout"`
	ActiveBets      int          `json:"active_bets"`
}

// ReserveResult reports what the reserve script did.
type ReserveResult struct {
	Allowed    bool
	DidReserve bool
	Total      domain.Cents
	Delta      domain.Cents
}

// RiskService caps the house's aggregate exposure per round. The running
// reserved-payout counter lives in Redis so every process intake path sees the
// same total; keys expire after the round could no longer need them.
type RiskService struct {
	rdb *redis.Client
	cfg *config.Config
}

// NewRiskService creates a RiskService.
func NewRiskService(rdb *redis.Client, cfg *config.Config) *RiskService {
	return &RiskService{rdb: rdb, cfg: cfg}
}

func riskTotalKey(roundID uuid.UUID) string {
	return "game:risk:expected_payout:" + roundID.String()
}

func riskOrderKey(roundID uuid.UUID, orderID string) string {
	return riskTotalKey(roundID) + ":order:" + orderID
}

// MaxRoundPayout resolves the configured cap against the current pool
// balance: values ≤ 1 are a pool ratio, larger values are an absolute cents
// amount expressed in display units. Negative or non-finite configs clamp to 0.
func (s *RiskService) MaxRoundPayout(poolBalance domain.Cents) domain.Cents {
	raw := s.cfg.Risk.MaxRoundPayout
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw <= 0 {
		return 0
	}
	if raw <= 1 {
		return domain.Cents(float64(poolBalance) * raw)
	}
	abs, ok := domain.CentsFromFloat(raw)
	if !ok {
		return 0
	}
	return abs
}

// AssessBet pre-checks one bet against the round payout cap and the base bet
// bounds. It holds no state; the authoritative gate is ReserveExpectedPayout.
func (s *RiskService) AssessBet(activeBets int, poolBalance, amount domain.Cents, multiplier decimal.Decimal, baseMaxBet domain.Cents) RiskAssessment {
	a := RiskAssessment{
		PoolBalance:    poolBalance,
		MaxRoundPayout: s.MaxRoundPayout(poolBalance),
		ActiveBets:     activeBets,
	}
	if !multiplier.IsPositive() || amount <= 0 {
		return a
	}

	a.ProjectedPayout = domain.WinPayout(amount, multiplier)

	// The largest stake whose payout still fits under the cap.
	capBet := domain.CentsFromDecimal(a.MaxRoundPayout.Decimal().Div(multiplier))
	a.MaxBetAllowed = baseMaxBet
	if capBet < a.MaxBetAllowed {
		a.MaxBetAllowed = capBet
	}
	a.Allowed = amount <= a.MaxBetAllowed && a.ProjectedPayout <= a.MaxRoundPayout
	return a
}

// ReserveExpectedPayout reserves expectedPayout cents against the round's
// cap. Idempotent per orderID: a replay returns allowed without reserving.
func (s *RiskService) ReserveExpectedPayout(ctx context.Context, roundID uuid.UUID, orderID string, expectedPayout, maxPayout domain.Cents) (*ReserveResult, error) {
	ttl := s.reservationTTL()
	res, err := reserveScript.Run(ctx, s.rdb,
		[]string{riskTotalKey(roundID), riskOrderKey(roundID, orderID)},
		int64(maxPayout), int64(expectedPayout), ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("risk_service.ReserveExpectedPayout: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return nil, fmt.Errorf("risk_service.ReserveExpectedPayout: unexpected script result %v", res)
	}
	return &ReserveResult{
		Allowed:    asInt64(vals[0]) == 1,
		DidReserve: asInt64(vals[1]) == 1,
		Total:      domain.Cents(asInt64(vals[2])),
		Delta:      domain.Cents(asInt64(vals[3])),
	}, nil
}

// ReleaseExpectedPayout returns an order's reservation to the round budget.
// Safe to call when no reservation exists.
func (s *RiskService) ReleaseExpectedPayout(ctx context.Context, roundID uuid.UUID, orderID string) (released bool, err error) {
	ttl := s.reservationTTL()
	res, err := releaseScript.Run(ctx, s.rdb,
		[]string{riskTotalKey(roundID), riskOrderKey(roundID, orderID)},
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("risk_service.ReleaseExpectedPayout: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, fmt.Errorf("risk_service.ReleaseExpectedPayout: unexpected script result %v", res)
	}
	return asInt64(vals[0]) == 1, nil
}

// ReservedTotal reads the current reserved payout for a round (back-office
// dashboards). Missing key means zero.
func (s *RiskService) ReservedTotal(ctx context.Context, roundID uuid.UUID) (domain.Cents, error) {
	v, err := s.rdb.Get(ctx, riskTotalKey(roundID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("risk_service.ReservedTotal: %w", err)
	}
	return domain.Cents(v), nil
}

// reservationTTL keeps reservation keys alive for the longest a round can run
// plus a grace period, so orphaned reservations self-clean.
func (s *RiskService) reservationTTL() time.Duration {
	return s.cfg.Game.MaxDuration + s.cfg.Risk.ReservationGrace
}

// asInt64 normalizes Lua script return values, which go-redis hands back as
// int64 or string depending on the reply path.
func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		_, _ = fmt.Sscan(t, &n)
		return n
	default:
		return 0
	}
}
