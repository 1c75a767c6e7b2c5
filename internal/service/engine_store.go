package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EngineStore is the durable side of the round engine: round rows, funded bet
// intake and refunds. The money-moving operations compose the ledger debit,
// the bet row, and the house-pool delta inside one transaction so a crash can
// never leave a funded bet without a row or a row without funding.
type EngineStore struct {
	db     *sqlx.DB
	rounds *repository.RoundRepository
	bets   *repository.BetRepository
	users  *repository.UserRepository
	pool   *repository.PoolRepository
	ledger *LedgerService
	asset  string
}

func NewEngineStore(
	db *sqlx.DB,
	rounds *repository.RoundRepository,
	bets *repository.BetRepository,
	users *repository.UserRepository,
	pool *repository.PoolRepository,
	ledger *LedgerService,
	asset string,
) *EngineStore {
	return &EngineStore{db: db, rounds: rounds, bets: bets, users: users, pool: pool, ledger: ledger, asset: asset}
}

// ── Round rows ────────────────────────────────────────────────────────────────

func (s *EngineStore) CreateRound(ctx context.Context, round *domain.Round) error {
	return s.rounds.Create(ctx, round)
}

func (s *EngineStore) RoundStatus(ctx context.Context, id uuid.UUID) (domain.RoundStatus, error) {
	return s.rounds.GetStatus(ctx, id)
}

func (s *EngineStore) TransitionRound(ctx context.Context, id uuid.UUID, from, to domain.RoundStatus) (bool, error) {
	return s.rounds.TransitionStatus(ctx, id, from, to)
}

func (s *EngineStore) FinishRound(ctx context.Context, id uuid.UUID, status domain.RoundStatus, endPrice *float64, reason domain.EndReason, endedAt time.Time) (bool, error) {
	return s.rounds.Finish(ctx, id, status, endPrice, reason, endedAt)
}

func (s *EngineStore) ActiveRound(ctx context.Context, asset string) (*domain.Round, error) {
	return s.rounds.GetActiveByAsset(ctx, asset)
}

func (s *EngineStore) NonTerminalRounds(ctx context.Context) ([]*domain.Round, error) {
	return s.rounds.ListNonTerminal(ctx)
}

// ── Bets & users ──────────────────────────────────────────────────────────────

func (s *EngineStore) BetByOrderID(ctx context.Context, orderID string) (*domain.Bet, error) {
	return s.bets.GetByOrderID(ctx, orderID)
}

func (s *EngineStore) OpenBets(ctx context.Context, roundID uuid.UUID) ([]*domain.Bet, error) {
	return s.bets.ListOpenByRound(ctx, roundID)
}

func (s *EngineStore) User(ctx context.Context, id string) (*domain.User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *EngineStore) PoolBalance(ctx context.Context, asset string) (domain.Cents, error) {
	p, err := s.pool.Get(ctx, asset)
	if err != nil {
		return 0, err
	}
	return p.Balance, nil
}

// InsertBetFunded persists a validated bet atomically with its funding: the
// stake debit (real balance guarded, play balance for play mode, nothing for
// anonymous players) plus the house-pool liability delta for real money. On a
// duplicate orderId the existing bet is returned alongside ErrDuplicateBet so
// the caller can distinguish an idempotent replay from a key collision.
func (s *EngineStore) InsertBetFunded(ctx context.Context, bet *domain.Bet) (*domain.Bet, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bet intake tx: %w", err)
	}
	defer tx.Rollback()

	if bet.IsPlayMode {
		res, err := s.ledger.ChangeBalance(ctx, tx, BalanceChange{
			UserID:       bet.UserID,
			Amount:       -bet.Amount,
			Type:         domain.TxBet,
			RelatedBetID: &bet.ID,
			Remark:       fmt.Sprintf("Play bet %s", bet.OrderID),
			IsPlayMode:   true,
		})
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, domain.ErrInsufficientBalance
		}
	} else {
		res, err := s.ledger.ConditionalChangeBalance(ctx, tx,
			bet.UserID, bet.Amount, bet.Amount, domain.TxBet, &bet.ID,
			fmt.Sprintf("Bet %s", bet.OrderID))
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, domain.ErrInsufficientBalance
		}
	}

	if err = s.bets.Create(ctx, tx, bet); err != nil {
		if errors.Is(err, domain.ErrDuplicateBet) {
			_ = tx.Rollback()
			existing, lookupErr := s.bets.GetByOrderID(ctx, bet.OrderID)
			if lookupErr != nil {
				return nil, domain.ErrDuplicateBet
			}
			return existing, domain.ErrDuplicateBet
		}
		return nil, err
	}

	// Stake in equals liability up; play money never touches the pool.
	if !bet.IsPlayMode {
		if _, err = s.pool.ApplyDelta(ctx, tx, s.asset, bet.Amount); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bet intake tx: %w", err)
	}
	return bet, nil
}

// RefundBet flips an open bet to REFUNDED and returns the stake in one
// transaction. A bet already settled surfaces ErrBetSettled and moves no money.
func (s *EngineStore) RefundBet(ctx context.Context, bet *domain.Bet) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback()

	if err = s.bets.Refund(ctx, tx, bet.ID); err != nil {
		return err
	}

	_, err = s.ledger.ChangeBalance(ctx, tx, BalanceChange{
		UserID:       bet.UserID,
		Amount:       bet.Amount,
		Type:         domain.TxRefund,
		RelatedBetID: &bet.ID,
		Remark:       fmt.Sprintf("Refund bet %s", bet.OrderID),
		IsPlayMode:   bet.IsPlayMode,
	})
	if err != nil {
		return err
	}

	if !bet.IsPlayMode {
		if _, err = s.pool.ApplyDelta(ctx, tx, s.asset, -bet.Amount); err != nil {
			return err
		}
	}
	return tx.Commit()
}
