// Package ws holds the WebSocket gateway: message types and the Hub.
// messages.go defines every frame exchanged with clients.
package ws

import (
	"encoding/json"
	"time"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MsgType identifies the kind of WS message so clients can switch on it.
type MsgType string

const (
	// server → client
	MsgTypeRoundStart          MsgType = "round:start"
	MsgTypeRoundTick           MsgType = "round:tick"
	MsgTypeRoundEnd            MsgType = "round:end"
	MsgTypeBetPlaced           MsgType = "bet:placed"
	MsgTypeBetSettled          MsgType = "bet:settled"
	MsgTypeBetRejected         MsgType = "bet:rejected"
	MsgTypePriceCriticalCancel MsgType = "price_critical_cancel"
	MsgTypeError               MsgType = "error"

	// client → server
	MsgTypePlaceBet MsgType = "bet:place"
)

// ClientFrame is the envelope for every inbound client message.
type ClientFrame struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Round lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// RoundStartMessage opens a round: clients reset their grid against
// StartPrice and start the betting countdown.
type RoundStartMessage struct {
	Type            MsgType   `json:"type"`
	RoundID         uuid.UUID `json:"round_id"`
	Asset           string    `json:"asset"`
	StartPrice      float64   `json:"start_price"`
	StartedAt       time.Time `json:"started_at"`
	BettingDuration float64   `json:"betting_duration"` // seconds
	MaxDuration     float64   `json:"max_duration"`     // seconds
	Timestamp       time.Time `json:"timestamp"`
}

// RoundTickMessage is the throttled live projection: elapsed clock, price and
// the row it projects to.
type RoundTickMessage struct {
	Type         MsgType            `json:"type"`
	RoundID      uuid.UUID          `json:"round_id"`
	Status       domain.RoundStatus `json:"status"`
	Elapsed      float64            `json:"elapsed"`
	CurrentPrice float64            `json:"current_price"`
	CurrentRow   int                `json:"current_row"`
	ActiveBets   int                `json:"active_bets"`
	Timestamp    time.Time          `json:"timestamp"`
}

// RoundEndMessage closes a round. Sent strictly after settlement has drained,
// so a client holding it may trust its bet:settled frames are complete.
type RoundEndMessage struct {
	Type      MsgType          `json:"type"`
	RoundID   uuid.UUID        `json:"round_id"`
	Reason    domain.EndReason `json:"reason"`
	Timestamp time.Time        `json:"timestamp"`
}

// PriceCriticalCancelMessage precedes the round:end of a round voided because
// the price feed went away; every stake has been refunded.
type PriceCriticalCancelMessage struct {
	Type      MsgType   `json:"type"`
	RoundID   uuid.UUID `json:"round_id"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Bets
// ──────────────────────────────────────────────────────────────────────────────

// BetPlacedMessage is broadcast once a bet is funded and registered; the
// requesting client correlates on OrderID.
type BetPlacedMessage struct {
	Type       MsgType         `json:"type"`
	BetID      uuid.UUID       `json:"bet_id"`
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	RoundID    uuid.UUID       `json:"round_id"`
	Amount     decimal.Decimal `json:"amount"`
	Multiplier decimal.Decimal `json:"multiplier"`
	TargetRow  int             `json:"target_row"`
	TargetTime float64         `json:"target_time"`
	IsPlayMode bool            `json:"is_play_mode"`
	Timestamp  time.Time       `json:"timestamp"`
}

// BetSettledMessage announces a win or loss, with the hit coordinates for
// winners.
type BetSettledMessage struct {
	Type      MsgType            `json:"type"`
	BetID     uuid.UUID          `json:"bet_id"`
	OrderID   string             `json:"order_id"`
	UserID    string             `json:"user_id"`
	RoundID   uuid.UUID          `json:"round_id"`
	IsWin     bool               `json:"is_win"`
	Payout    decimal.Decimal    `json:"payout"`
	Hit       *domain.HitDetails `json:"hit,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// BetRejectedMessage is sent only to the requesting client; the broadcast
// stream never carries rejections.
type BetRejectedMessage struct {
	Type    MsgType `json:"type"`
	OrderID string  `json:"order_id"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Errors
// ──────────────────────────────────────────────────────────────────────────────

// ErrorMessage is sent directly to one client (not broadcast).
type ErrorMessage struct {
	Type    MsgType `json:"type"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}
