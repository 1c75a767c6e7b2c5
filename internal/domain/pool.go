package domain

import (
	"time"
)

// HousePool tracks the platform's liability buffer per asset. Balance moves
// +amount when a bet is accepted and −payout when a win settles; every change
// bumps Version, and updates are version-gated so a stale writer fails loudly
// instead of clobbering.
type HousePool struct {
	Asset     string    `json:"asset"      db:"asset"`
	Balance   Cents     `json:"balance"    db:"balance"`
	Version   int64     `json:"version"    db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
