package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// BetRepository handles all database operations for Bets.
type BetRepository struct {
	db *sqlx.DB
}

// NewBetRepository creates a new BetRepository.
func NewBetRepository(db *sqlx.DB) *BetRepository {
	return &BetRepository{db: db}
}

// Create inserts a new bet inside an existing transaction. The unique index
// on order_id is the final idempotency gate; a violation surfaces as
// domain.ErrDuplicateBet so the caller can roll back and replay the stored
// bet instead.
func (r *BetRepository) Create(ctx context.Context, tx *sqlx.Tx, b *domain.Bet) error {
	query := `
		INSERT INTO bets
			(id, order_id, user_id, round_id, amount, multiplier, target_row,
			 target_time, is_play_mode, status, placed_at, payout)
		VALUES
			(:id, :order_id, :user_id, :round_id, :amount, :multiplier, :target_row,
			 :target_time, :is_play_mode, :status, :placed_at, :payout)`
	if _, err := tx.NamedExecContext(ctx, query, b); err != nil {
		if IsUniqueViolation(err, "bets_order_id_key") {
			return domain.ErrDuplicateBet
		}
		return fmt.Errorf("bet_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a bet by its primary key.
func (r *BetRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Bet, error) {
	var b domain.Bet
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bets WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBetNotFound
		}
		return nil, fmt.Errorf("bet_repo.GetByID: %w", err)
	}
	return &b, nil
}

// GetByOrderID fetches a bet by its client-supplied idempotency key.
func (r *BetRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Bet, error) {
	var b domain.Bet
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bets WHERE order_id = $1`, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBetNotFound
		}
		return nil, fmt.Errorf("bet_repo.GetByOrderID: %w", err)
	}
	return &b, nil
}

// ListOpenByRound returns every bet of a round still awaiting settlement,
// ordered by target time. Feeds the settlement sweep and the cancel path.
func (r *BetRepository) ListOpenByRound(ctx context.Context, roundID uuid.UUID) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets, `
		SELECT * FROM bets
		WHERE round_id = $1 AND status IN ('PENDING', 'SETTLING')
		ORDER BY target_time ASC, placed_at ASC`,
		roundID)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.ListOpenByRound: %w", err)
	}
	return bets, nil
}

// GetOpenByIDs loads a settlement batch by id, skipping any bets another
// worker already finished.
func (r *BetRepository) GetOpenByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.Bet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets, `
		SELECT * FROM bets
		WHERE id = ANY($1) AND status IN ('PENDING', 'SETTLING')
		ORDER BY target_time ASC`,
		pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("bet_repo.GetOpenByIDs: %w", err)
	}
	return bets, nil
}

// MarkSettling claims a batch of pending bets for a settlement worker.
// Already-claimed or already-settled bets are silently skipped.
func (r *BetRepository) MarkSettling(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE bets SET status = 'SETTLING' WHERE id = ANY($1) AND status = 'PENDING'`,
		pq.Array(raw))
	if err != nil {
		return fmt.Errorf("bet_repo.MarkSettling: %w", err)
	}
	return nil
}

// Settle finalises a bet as WON or LOST inside the settlement transaction,
// recording where the price path hit (nil for losses). Only open bets are
// touched; a second settle returns domain.ErrBetSettled.
func (r *BetRepository) Settle(ctx context.Context, tx *sqlx.Tx, betID uuid.UUID, status domain.BetStatus, payout domain.Cents, hit *domain.HitDetails) error {
	var hitPrice *float64
	var hitRow *int
	var hitTime *float64
	if hit != nil {
		hitPrice, hitRow, hitTime = &hit.Price, &hit.Row, &hit.Time
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE bets
		SET status     = $1,
		    payout     = $2,
		    hit_price  = $3,
		    hit_row    = $4,
		    hit_time   = $5,
		    settled_at = now()
		WHERE id = $6 AND status IN ('PENDING', 'SETTLING')`,
		string(status), payout, hitPrice, hitRow, hitTime, betID)
	if err != nil {
		return fmt.Errorf("bet_repo.Settle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBetSettled
	}
	return nil
}

// Refund marks a single open bet REFUNDED with its stake as the payout,
// inside the caller's transaction. Used by round cancellation and by
// compensation when a post-debit intake step fails.
func (r *BetRepository) Refund(ctx context.Context, tx *sqlx.Tx, betID uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE bets
		SET status = 'REFUNDED', payout = amount, settled_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'SETTLING')`,
		betID)
	if err != nil {
		return fmt.Errorf("bet_repo.Refund: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBetSettled
	}
	return nil
}

// CountOpenByUser returns how many unsettled bets a user holds in a round.
// Used to rebuild per-user caps after a restart.
func (r *BetRepository) CountOpenByUser(ctx context.Context, roundID uuid.UUID, userID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM bets
		WHERE round_id = $1 AND user_id = $2 AND status IN ('PENDING', 'SETTLING')`,
		roundID, userID)
	if err != nil {
		return 0, fmt.Errorf("bet_repo.CountOpenByUser: %w", err)
	}
	return n, nil
}

// CountOpenByRound returns how many bets in a round still await settlement.
func (r *BetRepository) CountOpenByRound(ctx context.Context, roundID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM bets
		WHERE round_id = $1 AND status IN ('PENDING', 'SETTLING')`, roundID)
	if err != nil {
		return 0, fmt.Errorf("bet_repo.CountOpenByRound: %w", err)
	}
	return n, nil
}

// GetByUserID returns a user's bet history, paginated, newest first.
func (r *BetRepository) GetByUserID(ctx context.Context, userID string, limit, offset int) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets,
		`SELECT * FROM bets WHERE user_id = $1 ORDER BY placed_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.GetByUserID: %w", err)
	}
	return bets, nil
}

// ListByRound returns a page of all bets in a round plus the total count,
// for backoffice inspection.
func (r *BetRepository) ListByRound(ctx context.Context, roundID uuid.UUID, limit, offset int) ([]*domain.Bet, int, error) {
	var bets []*domain.Bet
	var total int

	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM bets WHERE round_id = $1`, roundID); err != nil {
		return nil, 0, fmt.Errorf("bet_repo.ListByRound count: %w", err)
	}
	if err := r.db.SelectContext(ctx, &bets,
		`SELECT * FROM bets WHERE round_id = $1 ORDER BY placed_at ASC LIMIT $2 OFFSET $3`,
		roundID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("bet_repo.ListByRound select: %w", err)
	}
	return bets, total, nil
}

// RoundTotals aggregates a finished round's money flow for summaries.
type RoundTotals struct {
	BetCount    int          `db:"bet_count"`
	TotalStaked domain.Cents `db:"total_staked"`
	TotalPayout domain.Cents `db:"total_payout"`
	WonCount    int          `db:"won_count"`
}

// GetRoundTotals sums real-money stakes and payouts for a round. Play-mode
// bets are excluded since they never touch the house pool.
func (r *BetRepository) GetRoundTotals(ctx context.Context, roundID uuid.UUID) (*RoundTotals, error) {
	var t RoundTotals
	err := r.db.GetContext(ctx, &t, `
		SELECT COUNT(*)                                               AS bet_count,
		       COALESCE(SUM(amount), 0)                               AS total_staked,
		       COALESCE(SUM(payout) FILTER (WHERE status = 'WON'), 0) AS total_payout,
		       COUNT(*) FILTER (WHERE status = 'WON')                 AS won_count
		FROM bets
		WHERE round_id = $1 AND is_play_mode = false`,
		roundID)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.GetRoundTotals: %w", err)
	}
	return &t, nil
}
