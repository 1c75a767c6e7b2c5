package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SnapshotRepository persists the price path sampled during rounds.
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// InsertBatch writes a batch of snapshots in one multi-row INSERT. The
// (round_id, bucket) key plus ON CONFLICT DO NOTHING make retried flushes
// safe: rows already written by an earlier attempt are skipped, never
// duplicated.
func (r *SnapshotRepository) InsertBatch(ctx context.Context, snaps []*domain.PriceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(snaps))
	args := make([]interface{}, 0, len(snaps)*6)
	for i, s := range snaps {
		n := i * 6
		placeholders = append(placeholders,
			fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6))
		args = append(args, s.RoundID, s.Bucket, s.Elapsed, s.Price, s.RowIndex, s.Ts)
	}

	query := `
		INSERT INTO price_snapshots (round_id, bucket, elapsed, price, row_index, ts)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (round_id, bucket) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("snapshot_repo.InsertBatch: %w", err)
	}
	return nil
}

// ListWindow returns a round's snapshots with elapsed in [start, end],
// ordered by elapsed.
func (r *SnapshotRepository) ListWindow(ctx context.Context, roundID uuid.UUID, start, end float64) ([]*domain.PriceSnapshot, error) {
	var snaps []*domain.PriceSnapshot
	err := r.db.SelectContext(ctx, &snaps, `
		SELECT * FROM price_snapshots
		WHERE round_id = $1 AND elapsed >= $2 AND elapsed <= $3
		ORDER BY elapsed ASC`,
		roundID, start, end)
	if err != nil {
		return nil, fmt.Errorf("snapshot_repo.ListWindow: %w", err)
	}
	return snaps, nil
}

// GetLast returns the latest snapshot of a round, or nil when the round has
// none. Settlement falls back to it when a bet's window holds no samples.
func (r *SnapshotRepository) GetLast(ctx context.Context, roundID uuid.UUID) (*domain.PriceSnapshot, error) {
	var snaps []*domain.PriceSnapshot
	err := r.db.SelectContext(ctx, &snaps,
		`SELECT * FROM price_snapshots WHERE round_id = $1 ORDER BY elapsed DESC LIMIT 1`,
		roundID)
	if err != nil {
		return nil, fmt.Errorf("snapshot_repo.GetLast: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[0], nil
}

// CountByRound reports how many samples a round persisted (back-office
// diagnostics).
func (r *SnapshotRepository) CountByRound(ctx context.Context, roundID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM price_snapshots WHERE round_id = $1`, roundID)
	if err != nil {
		return 0, fmt.Errorf("snapshot_repo.CountByRound: %w", err)
	}
	return n, nil
}
