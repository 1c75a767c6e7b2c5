package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// BetStatus represents the current state of a user's bet.
type BetStatus string

const (
	BetStatusPending  BetStatus = "PENDING"  // placed, waiting for its cell window
	BetStatusSettling BetStatus = "SETTLING" // queued for settlement
	BetStatusWon      BetStatus = "WON"      // price path hit the target cell
	BetStatusLost     BetStatus = "LOST"     // cell window passed without a hit
	BetStatusRefunded BetStatus = "REFUNDED" // round cancelled; stake returned
)

// IsOpen returns true while the bet can still be settled or refunded.
func (s BetStatus) IsOpen() bool {
	return s == BetStatusPending || s == BetStatusSettling
}

// ──────────────────────────────────────────────────────────────────────────────
// Bet
// ──────────────────────────────────────────────────────────────────────────────

// Bet is a single wager on a (targetRow, targetTime) grid cell. orderId is the
// client-supplied idempotency key and is globally unique; amount and payout
// are integer cents.
type Bet struct {
	ID         uuid.UUID       `json:"id"           db:"id"`
	OrderID    string          `json:"order_id"     db:"order_id"`
	UserID     string          `json:"user_id"      db:"user_id"`
	RoundID    uuid.UUID       `json:"round_id"     db:"round_id"`
	Amount     Cents           `json:"amount"       db:"amount"`
	Multiplier decimal.Decimal `json:"multiplier"   db:"multiplier"`
	TargetRow  int             `json:"target_row"   db:"target_row"`
	TargetTime float64         `json:"target_time"  db:"target_time"`
	IsPlayMode bool            `json:"is_play_mode" db:"is_play_mode"`
	Status     BetStatus       `json:"status"       db:"status"`
	PlacedAt   time.Time       `json:"placed_at"    db:"placed_at"`
	HitPrice   *float64        `json:"hit_price"    db:"hit_price"`
	HitRow     *int            `json:"hit_row"      db:"hit_row"`
	HitTime    *float64        `json:"hit_time"     db:"hit_time"`
	Payout     Cents           `json:"payout"       db:"payout"`
	SettledAt  *time.Time      `json:"settled_at"   db:"settled_at"`
}

// IsOpen returns true while the bet awaits settlement or refund.
func (b *Bet) IsOpen() bool {
	return b.Status.IsOpen()
}

// ExpectedPayout returns the amount the house owes if this bet wins. Used for
// risk reservation at intake.
func (b *Bet) ExpectedPayout() Cents {
	return WinPayout(b.Amount, b.Multiplier)
}

// ──────────────────────────────────────────────────────────────────────────────
// BetRequest — inbound wire shape (WebSocket gateway)
// ──────────────────────────────────────────────────────────────────────────────

// BetRequest carries a client's raw bet placement. Amount is in display
// currency units and converted to cents during validation; TargetTime is
// seconds since roundStartTime.
type BetRequest struct {
	OrderID    string  `json:"orderId"`
	TargetRow  int     `json:"targetRow"`
	TargetTime float64 `json:"targetTime"`
	Amount     float64 `json:"amount"`
	IsPlayMode bool    `json:"isPlayMode"`
}

// TrimmedOrderID returns the idempotency key with surrounding whitespace
// removed; an empty result makes the request invalid.
func (r BetRequest) TrimmedOrderID() string {
	return strings.TrimSpace(r.OrderID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Views
// ──────────────────────────────────────────────────────────────────────────────

// BetReceipt is what placeBet returns to the gateway: enough for the client to
// correlate and render, without internal state.
type BetReceipt struct {
	BetID      uuid.UUID       `json:"bet_id"`
	OrderID    string          `json:"order_id"`
	RoundID    uuid.UUID       `json:"round_id"`
	Amount     decimal.Decimal `json:"amount"`
	Multiplier decimal.Decimal `json:"multiplier"`
	TargetRow  int             `json:"target_row"`
	TargetTime float64         `json:"target_time"`
	IsPlayMode bool            `json:"is_play_mode"`
}

// ToReceipt converts a Bet to its placement acknowledgement form.
func (b *Bet) ToReceipt() BetReceipt {
	return BetReceipt{
		BetID:      b.ID,
		OrderID:    b.OrderID,
		RoundID:    b.RoundID,
		Amount:     b.Amount.Decimal(),
		Multiplier: b.Multiplier,
		TargetRow:  b.TargetRow,
		TargetTime: b.TargetTime,
		IsPlayMode: b.IsPlayMode,
	}
}

// BetResponse is the API-safe view of a bet for history and round listings.
type BetResponse struct {
	ID         uuid.UUID       `json:"id"`
	OrderID    string          `json:"order_id"`
	RoundID    uuid.UUID       `json:"round_id"`
	Amount     decimal.Decimal `json:"amount"`
	Multiplier decimal.Decimal `json:"multiplier"`
	TargetRow  int             `json:"target_row"`
	TargetTime float64         `json:"target_time"`
	IsPlayMode bool            `json:"is_play_mode"`
	Status     BetStatus       `json:"status"`
	Payout     decimal.Decimal `json:"payout"`
	PlacedAt   time.Time       `json:"placed_at"`
	SettledAt  *time.Time      `json:"settled_at,omitempty"`
}

// ToResponse converts a Bet to its API response form.
func (b *Bet) ToResponse() BetResponse {
	return BetResponse{
		ID:         b.ID,
		OrderID:    b.OrderID,
		RoundID:    b.RoundID,
		Amount:     b.Amount.Decimal(),
		Multiplier: b.Multiplier,
		TargetRow:  b.TargetRow,
		TargetTime: b.TargetTime,
		IsPlayMode: b.IsPlayMode,
		Status:     b.Status,
		Payout:     b.Payout.Decimal(),
		PlacedAt:   b.PlacedAt,
		SettledAt:  b.SettledAt,
	}
}

// HitDetails records where the price path crossed a winning bet's cell.
type HitDetails struct {
	Price float64 `json:"price"`
	Row   int     `json:"row"`
	Time  float64 `json:"time"`
	// UsedFallback is true when no in-window snapshot existed and the
	// round-end snapshot decided the outcome.
	UsedFallback bool `json:"used_fallback,omitempty"`
}
