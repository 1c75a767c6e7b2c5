package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/jmoiron/sqlx"
)

// PoolRepository manages the per-asset house pool. Every mutation goes through
// ApplyDelta inside a caller-owned transaction; the version column turns lost
// updates into explicit conflicts.
type PoolRepository struct {
	db *sqlx.DB
}

// NewPoolRepository creates a new PoolRepository.
func NewPoolRepository(db *sqlx.DB) *PoolRepository {
	return &PoolRepository{db: db}
}

// Bootstrap seeds the pool row for an asset with the configured opening
// balance. An existing row is left untouched.
func (r *PoolRepository) Bootstrap(ctx context.Context, asset string, opening domain.Cents) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO house_pools (asset, balance, version, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (asset) DO NOTHING`,
		asset, opening)
	if err != nil {
		return fmt.Errorf("pool_repo.Bootstrap: %w", err)
	}
	return nil
}

// Get returns the current pool state for an asset.
func (r *PoolRepository) Get(ctx context.Context, asset string) (*domain.HousePool, error) {
	var p domain.HousePool
	err := r.db.GetContext(ctx, &p, `SELECT * FROM house_pools WHERE asset = $1`, asset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPoolNotFound
		}
		return nil, fmt.Errorf("pool_repo.Get: %w", err)
	}
	return &p, nil
}

// ApplyDelta moves the pool balance by delta cents inside the caller's
// transaction. The row is locked, then updated with a version guard; a missed
// guard means a concurrent writer slipped between the read and the update,
// which FOR UPDATE should prevent, so it surfaces as ErrPoolConflict rather
// than being retried silently.
func (r *PoolRepository) ApplyDelta(ctx context.Context, tx *sqlx.Tx, asset string, delta domain.Cents) (domain.Cents, error) {
	var p domain.HousePool
	err := tx.GetContext(ctx, &p, `SELECT * FROM house_pools WHERE asset = $1 FOR UPDATE`, asset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrPoolNotFound
		}
		return 0, fmt.Errorf("pool_repo.ApplyDelta lock: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE house_pools
		SET balance = balance + $1, version = version + 1, updated_at = now()
		WHERE asset = $2 AND version = $3`,
		delta, asset, p.Version)
	if err != nil {
		return 0, fmt.Errorf("pool_repo.ApplyDelta update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, domain.ErrPoolConflict
	}
	return p.Balance + delta, nil
}
