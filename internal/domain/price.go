package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource is one exchange's contribution to a composite price fetch.
// Surfaced on the backoffice risk view.
type PriceSource struct {
	Exchange  string          `json:"exchange"`
	Price     decimal.Decimal `json:"price"`
	Weight    decimal.Decimal `json:"weight"`
	FetchedAt time.Time       `json:"fetched_at"`
}
