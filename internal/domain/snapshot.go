package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// SnapshotBucket returns the 100 ms dedup index for an elapsed offset:
// floor(elapsed × 10). Consecutive samples landing in the same bucket are
// suppressed at buffer ingress.
func SnapshotBucket(elapsed float64) int64 {
	return int64(math.Floor(elapsed * 10))
}

// PriceSnapshot is one sampled point of a round's price path, ordered by
// elapsed within the round. Settlement reads windows of these to resolve hits
// after the fact.
type PriceSnapshot struct {
	RoundID  uuid.UUID `json:"round_id"  db:"round_id"`
	Bucket   int64     `json:"bucket"    db:"bucket"`
	Elapsed  float64   `json:"elapsed"   db:"elapsed"`
	Price    float64   `json:"price"     db:"price"`
	RowIndex int       `json:"row_index" db:"row_index"`
	Ts       time.Time `json:"ts"        db:"ts"`
}
