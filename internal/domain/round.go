// Package domain defines the core business entities and types for the
// GridStrike wagering engine: rounds, bets, users, ledger transactions,
// price snapshots, and the house pool.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// RoundStatus represents the lifecycle state of a round.
type RoundStatus string

const (
	RoundBetting   RoundStatus = "BETTING"   // accepting bets
	RoundRunning   RoundStatus = "RUNNING"   // betting closed, price animation live
	RoundSettling  RoundStatus = "SETTLING"  // tick loop stopped, settlement draining
	RoundEnded     RoundStatus = "ENDED"     // terminal: settled and closed
	RoundCancelled RoundStatus = "CANCELLED" // terminal: all open bets refunded
)

// IsTerminal returns true for states a round can never leave.
func (s RoundStatus) IsTerminal() bool {
	return s == RoundEnded || s == RoundCancelled
}

// CanTransitionTo reports whether the status machine allows moving from s to
// next. Transitions are monotone: BETTING→RUNNING→SETTLING→ENDED, and any
// non-terminal state may jump to CANCELLED.
func (s RoundStatus) CanTransitionTo(next RoundStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == RoundCancelled {
		return true
	}
	switch s {
	case RoundBetting:
		return next == RoundRunning
	case RoundRunning:
		return next == RoundSettling
	case RoundSettling:
		return next == RoundEnded
	}
	return false
}

// EndReason explains why a round terminated; carried on round:end events and
// persisted on the round row.
type EndReason string

const (
	EndReasonManual        EndReason = "manual"
	EndReasonTimeout       EndReason = "timeout"
	EndReasonCancel        EndReason = "cancel"
	EndReasonCrash         EndReason = "crash"
	EndReasonShutdown      EndReason = "shutdown"
	EndReasonPriceCritical EndReason = "price_critical"
)

// ──────────────────────────────────────────────────────────────────────────────
// Round
// ──────────────────────────────────────────────────────────────────────────────

// Round is the durable record of one play cycle for an asset. The live
// projection (elapsed, currentPrice, currentRow) is engine-owned and not
// persisted per tick; see RoundState.
type Round struct {
	ID            uuid.UUID   `json:"id"              db:"id"`
	Asset         string      `json:"asset"           db:"asset"`
	Status        RoundStatus `json:"status"          db:"status"`
	StartPrice    float64     `json:"start_price"     db:"start_price"`
	StartedAt     time.Time   `json:"started_at"      db:"started_at"`
	BettingEndsAt time.Time   `json:"betting_ends_at" db:"betting_ends_at"`
	EndPrice      *float64    `json:"end_price"       db:"end_price"`
	EndReason     *EndReason  `json:"end_reason"      db:"end_reason"`
	EndedAt       *time.Time  `json:"ended_at"        db:"ended_at"`
	CreatedAt     time.Time   `json:"created_at"      db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"      db:"updated_at"`
}

// IsTerminal returns true once the round has ended or been cancelled.
func (r *Round) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// AcceptsBets returns true while the betting window is open.
func (r *Round) AcceptsBets() bool {
	return r.Status == RoundBetting
}

// Elapsed returns seconds since the round started, measured at now.
func (r *Round) Elapsed(now time.Time) float64 {
	return now.Sub(r.StartedAt).Seconds()
}

// ──────────────────────────────────────────────────────────────────────────────
// RoundState — live projection served to clients
// ──────────────────────────────────────────────────────────────────────────────

// RoundState is the engine's in-memory view of the active round, emitted on
// round:tick and served by the current-round endpoint.
type RoundState struct {
	RoundID      uuid.UUID   `json:"round_id"`
	Asset        string      `json:"asset"`
	Status       RoundStatus `json:"status"`
	StartPrice   float64     `json:"start_price"`
	StartedAt    time.Time   `json:"started_at"`
	Elapsed      float64     `json:"elapsed"`
	CurrentPrice float64     `json:"current_price"`
	CurrentRow   int         `json:"current_row"`
	ActiveBets   int         `json:"active_bets"`
}
