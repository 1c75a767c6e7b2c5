package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestBroadcastBetSettled_CarriesCommittedPayout(t *testing.T) {
	h := NewHub([]byte("test-secret"), nil)

	now := time.Now().UTC()
	hitRow := 6
	bet := &domain.Bet{
		ID:         uuid.New(),
		OrderID:    "o-1",
		UserID:     "alice",
		RoundID:    uuid.New(),
		Amount:     5_00,
		Multiplier: decimal.RequireFromString("2.5"),
		Status:     domain.BetStatusWon,
		Payout:     12_50,
		HitRow:     &hitRow,
		SettledAt:  &now,
	}
	hit := &domain.HitDetails{Price: 50_100, Row: 6, Time: 10.1}

	h.BroadcastBetSettled(bet, true, hit)

	var raw []byte
	select {
	case raw = <-h.broadcast:
	default:
		t.Fatal("no message queued for broadcast")
	}

	var msg BetSettledMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != MsgTypeBetSettled || !msg.IsWin || msg.BetID != bet.ID {
		t.Fatalf("msg = %+v", msg)
	}
	// The payload reports the credited amount, not a pre-settlement zero.
	if !msg.Payout.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("payout = %s, want 12.5", msg.Payout)
	}
	if msg.Hit == nil || msg.Hit.Row != 6 {
		t.Fatalf("hit = %+v", msg.Hit)
	}
}

func TestBroadcastBetSettled_LossReportsZero(t *testing.T) {
	h := NewHub([]byte("test-secret"), nil)

	bet := &domain.Bet{
		ID:         uuid.New(),
		OrderID:    "o-2",
		UserID:     "bob",
		RoundID:    uuid.New(),
		Amount:     3_00,
		Multiplier: decimal.RequireFromString("3"),
		Status:     domain.BetStatusLost,
	}
	h.BroadcastBetSettled(bet, false, nil)

	var raw []byte
	select {
	case raw = <-h.broadcast:
	default:
		t.Fatal("no message queued for broadcast")
	}

	var msg BetSettledMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.IsWin || !msg.Payout.IsZero() || msg.Hit != nil {
		t.Fatalf("msg = %+v, want loss with zero payout and no hit", msg)
	}
}
