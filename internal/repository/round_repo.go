package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RoundRepository handles all database operations for Rounds.
type RoundRepository struct {
	db *sqlx.DB
}

// NewRoundRepository creates a new RoundRepository.
func NewRoundRepository(db *sqlx.DB) *RoundRepository {
	return &RoundRepository{db: db}
}

// Create inserts a new round row. The partial unique index on (asset) for
// non-terminal statuses makes this fail when another live round exists, which
// callers surface as domain.ErrRoundActive.
func (r *RoundRepository) Create(ctx context.Context, round *domain.Round) error {
	query := `
		INSERT INTO rounds (id, asset, status, start_price, started_at, betting_ends_at, created_at, updated_at)
		VALUES (:id, :asset, :status, :start_price, :started_at, :betting_ends_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, round); err != nil {
		if IsUniqueViolation(err, "rounds_one_active_per_asset") {
			return domain.ErrRoundActive
		}
		return fmt.Errorf("round_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a round by primary key.
func (r *RoundRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Round, error) {
	var round domain.Round
	err := r.db.GetContext(ctx, &round, `SELECT * FROM rounds WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRoundNotFound
		}
		return nil, fmt.Errorf("round_repo.GetByID: %w", err)
	}
	return &round, nil
}

// GetStatus returns just the durable status of a round. Bet intake re-checks
// this against the in-memory state before accepting money.
func (r *RoundRepository) GetStatus(ctx context.Context, id uuid.UUID) (domain.RoundStatus, error) {
	var status domain.RoundStatus
	err := r.db.GetContext(ctx, &status, `SELECT status FROM rounds WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrRoundNotFound
		}
		return "", fmt.Errorf("round_repo.GetStatus: %w", err)
	}
	return status, nil
}

// GetActiveByAsset returns the non-terminal round for an asset, or
// domain.ErrNoActiveRound when none exists.
func (r *RoundRepository) GetActiveByAsset(ctx context.Context, asset string) (*domain.Round, error) {
	var round domain.Round
	err := r.db.GetContext(ctx, &round,
		`SELECT * FROM rounds WHERE asset = $1 AND status NOT IN ('ENDED', 'CANCELLED')`, asset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoActiveRound
		}
		return nil, fmt.Errorf("round_repo.GetActiveByAsset: %w", err)
	}
	return &round, nil
}

// ListNonTerminal returns every live round regardless of asset. Used at boot
// to reconcile rounds orphaned by a crash.
func (r *RoundRepository) ListNonTerminal(ctx context.Context) ([]*domain.Round, error) {
	var rounds []*domain.Round
	err := r.db.SelectContext(ctx, &rounds,
		`SELECT * FROM rounds WHERE status NOT IN ('ENDED', 'CANCELLED') ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("round_repo.ListNonTerminal: %w", err)
	}
	return rounds, nil
}

// TransitionStatus moves a round from one status to another. Returns false
// (and no error) when the row was not in the expected from status, which makes
// lifecycle steps idempotent across restarts.
func (r *RoundRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.RoundStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE rounds SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		to, id, from)
	if err != nil {
		return false, fmt.Errorf("round_repo.TransitionStatus: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Finish stamps a terminal status, end price, and reason on a round. Only
// non-terminal rows are touched; finishing an already-finished round is a
// no-op returning false.
func (r *RoundRepository) Finish(ctx context.Context, id uuid.UUID, status domain.RoundStatus, endPrice *float64, reason domain.EndReason, endedAt time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("round_repo.Finish: %q is not a terminal status", status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds
		SET status = $1, end_price = $2, end_reason = $3, ended_at = $4, updated_at = now()
		WHERE id = $5 AND status NOT IN ('ENDED', 'CANCELLED')`,
		status, endPrice, reason, endedAt, id)
	if err != nil {
		return false, fmt.Errorf("round_repo.Finish: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListRecent returns a page of finished and live rounds for an asset, newest
// first, plus the total count.
func (r *RoundRepository) ListRecent(ctx context.Context, asset string, limit, offset int) ([]*domain.Round, int, error) {
	var rounds []*domain.Round
	var total int

	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM rounds WHERE asset = $1`, asset); err != nil {
		return nil, 0, fmt.Errorf("round_repo.ListRecent count: %w", err)
	}
	if err := r.db.SelectContext(ctx, &rounds,
		`SELECT * FROM rounds WHERE asset = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		asset, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("round_repo.ListRecent select: %w", err)
	}
	return rounds, total, nil
}
