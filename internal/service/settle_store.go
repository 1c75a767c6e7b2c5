package service

import (
	"context"
	"fmt"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SettleStore is the durable side of settlement: bet flips, user stats, and
// house-pool deltas, with InTx scoping one batch to one transaction.
type SettleStore struct {
	db    *sqlx.DB
	bets  *repository.BetRepository
	users *repository.UserRepository
	pool  *repository.PoolRepository
}

func NewSettleStore(
	db *sqlx.DB,
	bets *repository.BetRepository,
	users *repository.UserRepository,
	pool *repository.PoolRepository,
) *SettleStore {
	return &SettleStore{db: db, bets: bets, users: users, pool: pool}
}

// InTx runs fn inside one transaction, committing on nil and rolling back on
// error. fn's error comes back unwrapped so callers can match sentinels.
func (s *SettleStore) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settle_store.InTx: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settle_store.InTx: commit: %w", err)
	}
	return nil
}

func (s *SettleStore) MarkSettling(ctx context.Context, ids []uuid.UUID) error {
	return s.bets.MarkSettling(ctx, ids)
}

func (s *SettleStore) SettleBet(ctx context.Context, tx *sqlx.Tx, betID uuid.UUID, status domain.BetStatus, payout domain.Cents, hit *domain.HitDetails) error {
	return s.bets.Settle(ctx, tx, betID, status, payout, hit)
}

func (s *SettleStore) OpenBetsByRound(ctx context.Context, roundID uuid.UUID) ([]*domain.Bet, error) {
	return s.bets.ListOpenByRound(ctx, roundID)
}

func (s *SettleStore) CountOpenBets(ctx context.Context, roundID uuid.UUID) (int, error) {
	return s.bets.CountOpenByRound(ctx, roundID)
}

func (s *SettleStore) ApplyStatsDelta(ctx context.Context, tx *sqlx.Tx, userID string, d domain.StatsDelta) error {
	return s.users.ApplyStatsDelta(ctx, tx, userID, d)
}

func (s *SettleStore) ApplyPoolDelta(ctx context.Context, tx *sqlx.Tx, asset string, delta domain.Cents) (domain.Cents, error) {
	return s.pool.ApplyDelta(ctx, tx, asset, delta)
}
