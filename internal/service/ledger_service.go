package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ──────────────────────────────────────────────────────────────────────────────
// Parameter / result shapes
// ──────────────────────────────────────────────────────────────────────────────

// BalanceChange describes one signed money movement. Amount is signed cents:
// positive credits, negative debits. Play-mode changes touch only the virtual
// balance and write no ledger row.
type BalanceChange struct {
	UserID       string
	Amount       domain.Cents
	Type         domain.TransactionType
	RelatedBetID *uuid.UUID
	OrderNo      *string
	Remark       string
	IsPlayMode   bool
}

// ChangeResult reports a balance mutation. Success=false with a nil error
// means the guard rejected the change (insufficient balance); transport and
// missing-user problems come back as errors instead.
type ChangeResult struct {
	Success bool
	Before  domain.Cents
	After   domain.Cents
}

// ──────────────────────────────────────────────────────────────────────────────
// LedgerService
// ──────────────────────────────────────────────────────────────────────────────

// LedgerService owns every mutation of user money. All real-money changes are
// paired with an immutable transaction row inside one durable transaction, so
// the audit chain (balanceAfter − balanceBefore = amount) can never drift from
// the balances themselves.
type LedgerService struct {
	db         *sqlx.DB
	ledgerRepo *repository.LedgerRepository
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(db *sqlx.DB, ledgerRepo *repository.LedgerRepository) *LedgerService {
	return &LedgerService{db: db, ledgerRepo: ledgerRepo}
}

// ChangeBalance applies one balance change. When tx is nil the change runs in
// its own transaction; otherwise it joins the caller's and the caller commits.
//
// Anonymous users never touch persistent rows: play-mode changes are (0,0)
// no-ops and real-money changes return domain.ErrUserNotFound.
func (s *LedgerService) ChangeBalance(ctx context.Context, tx *sqlx.Tx, change BalanceChange) (*ChangeResult, error) {
	if domain.IsAnonymousUser(change.UserID) {
		if change.IsPlayMode {
			return &ChangeResult{Success: true}, nil
		}
		return nil, domain.ErrUserNotFound
	}

	if tx != nil {
		return s.changeBalanceTx(ctx, tx, change)
	}

	ownTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger_service.ChangeBalance: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = ownTx.Rollback()
		}
	}()

	res, err := s.changeBalanceTx(ctx, ownTx, change)
	if err != nil {
		return nil, err
	}
	if err = ownTx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger_service.ChangeBalance: commit: %w", err)
	}
	return res, nil
}

// changeBalanceTx is the tx-scoped core of ChangeBalance.
func (s *LedgerService) changeBalanceTx(ctx context.Context, tx *sqlx.Tx, change BalanceChange) (*ChangeResult, error) {
	// Play mode: virtual balance only, no audit row.
	if change.IsPlayMode {
		after, err := s.ledgerRepo.AddPlayBalance(ctx, tx, change.UserID, change.Amount)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientBalance) {
				return &ChangeResult{Success: false}, nil
			}
			return nil, fmt.Errorf("ledger_service.changeBalanceTx: play: %w", err)
		}
		return &ChangeResult{Success: true, Before: after - change.Amount, After: after}, nil
	}

	var after domain.Cents
	var err error
	if change.Amount >= 0 {
		after, err = s.ledgerRepo.AddBalance(ctx, tx, change.UserID, change.Amount)
	} else {
		after, err = s.ledgerRepo.ConditionalDebit(ctx, tx, change.UserID, -change.Amount, -change.Amount)
	}
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return &ChangeResult{Success: false}, nil
		}
		return nil, fmt.Errorf("ledger_service.changeBalanceTx: %w", err)
	}
	before := after - change.Amount

	txn := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        change.UserID,
		Type:          change.Type,
		Amount:        change.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		OrderNo:       change.OrderNo,
		RelatedBetID:  change.RelatedBetID,
		Remark:        change.Remark,
		Status:        domain.TxCompleted,
		CreatedAt:     time.Now().UTC(),
	}
	if err = s.ledgerRepo.InsertTransaction(ctx, tx, txn); err != nil {
		return nil, fmt.Errorf("ledger_service.changeBalanceTx: audit row: %w", err)
	}
	return &ChangeResult{Success: true, Before: before, After: after}, nil
}

// ConditionalChangeBalance debits amount (positive cents) only while the
// user's balance stays at or above minBalance after the read. Used by bet
// intake where the stake must never push a balance negative.
func (s *LedgerService) ConditionalChangeBalance(ctx context.Context, tx *sqlx.Tx, userID string, amount, minBalance domain.Cents, txType domain.TransactionType, relatedBetID *uuid.UUID, remark string) (*ChangeResult, error) {
	if domain.IsAnonymousUser(userID) {
		return nil, domain.ErrUserNotFound
	}
	after, err := s.ledgerRepo.ConditionalDebit(ctx, tx, userID, amount, minBalance)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return &ChangeResult{Success: false}, nil
		}
		return nil, fmt.Errorf("ledger_service.ConditionalChangeBalance: %w", err)
	}
	before := after + amount

	txn := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          txType,
		Amount:        -amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		RelatedBetID:  relatedBetID,
		Remark:        remark,
		Status:        domain.TxCompleted,
		CreatedAt:     time.Now().UTC(),
	}
	if err = s.ledgerRepo.InsertTransaction(ctx, tx, txn); err != nil {
		return nil, fmt.Errorf("ledger_service.ConditionalChangeBalance: audit row: %w", err)
	}
	return &ChangeResult{Success: true, Before: before, After: after}, nil
}

// BatchChangeBalance applies several same-user real-money credits as one
// balance UPDATE plus one audit row per change, with before/after values
// chained across the rows. Settlement uses it to pay a user's wins in a
// single statement.
func (s *LedgerService) BatchChangeBalance(ctx context.Context, tx *sqlx.Tx, userID string, changes []BalanceChange) (*ChangeResult, error) {
	if len(changes) == 0 {
		return &ChangeResult{Success: true}, nil
	}
	if domain.IsAnonymousUser(userID) {
		return nil, domain.ErrUserNotFound
	}

	var total domain.Cents
	for _, c := range changes {
		if c.Amount < 0 {
			return nil, fmt.Errorf("ledger_service.BatchChangeBalance: negative change for user %s", userID)
		}
		total += c.Amount
	}

	after, err := s.ledgerRepo.AddBalance(ctx, tx, userID, total)
	if err != nil {
		return nil, fmt.Errorf("ledger_service.BatchChangeBalance: %w", err)
	}

	running := after - total
	now := time.Now().UTC()
	for _, c := range changes {
		txn := &domain.Transaction{
			ID:            uuid.New(),
			UserID:        userID,
			Type:          c.Type,
			Amount:        c.Amount,
			BalanceBefore: running,
			BalanceAfter:  running + c.Amount,
			RelatedBetID:  c.RelatedBetID,
			Remark:        c.Remark,
			Status:        domain.TxCompleted,
			CreatedAt:     now,
		}
		if err = s.ledgerRepo.InsertTransaction(ctx, tx, txn); err != nil {
			return nil, fmt.Errorf("ledger_service.BatchChangeBalance: audit row: %w", err)
		}
		running += c.Amount
	}
	return &ChangeResult{Success: true, Before: after - total, After: after}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Recharge order flow
// ──────────────────────────────────────────────────────────────────────────────

// CreateRechargeOrder opens a PENDING recharge for amount cents and returns
// the row carrying the generated orderNo the gateway must echo back.
func (s *LedgerService) CreateRechargeOrder(ctx context.Context, userID string, amount domain.Cents) (*domain.Transaction, error) {
	if domain.IsAnonymousUser(userID) {
		return nil, domain.ErrUserNotFound
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	orderNo := "R" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	txn := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      domain.TxRecharge,
		Amount:    amount,
		OrderNo:   &orderNo,
		Remark:    "Recharge order created",
		Status:    domain.TxPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.ledgerRepo.InsertTransactionDirect(ctx, txn); err != nil {
		if repository.IsForeignKeyViolation(err) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("ledger_service.CreateRechargeOrder: %w", err)
	}
	return txn, nil
}

// CompleteRechargeOrder credits a user's balance for a confirmed payment.
// Strictly idempotent: only the delivery that wins the PENDING→COMPLETED flip
// credits money; every other delivery (unknown order, replay, lost race)
// returns processed=false without touching balances. An amount mismatch is an
// error and never credits.
func (s *LedgerService) CompleteRechargeOrder(ctx context.Context, orderNo, tradeNo string, amount domain.Cents) (processed bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("ledger_service.CompleteRechargeOrder: begin tx: %w", err)
	}
	defer func() {
		if err != nil || !processed {
			_ = tx.Rollback()
		}
	}()

	order, err := s.ledgerRepo.GetPendingRecharge(ctx, tx, orderNo)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			log.Printf("[ledger] recharge %s has no pending order, treating as processed", orderNo)
			return false, nil
		}
		return false, err
	}
	if order.Amount != amount {
		err = fmt.Errorf("ledger_service.CompleteRechargeOrder %s: %w: order %s, callback %s",
			orderNo, domain.ErrOrderAmountMismatch, order.Amount.Decimal(), amount.Decimal())
		return false, err
	}

	after, err := s.ledgerRepo.AddBalance(ctx, tx, order.UserID, amount)
	if err != nil {
		return false, fmt.Errorf("ledger_service.CompleteRechargeOrder: credit: %w", err)
	}

	flipped, err := s.ledgerRepo.CompleteRecharge(ctx, tx, order.ID, tradeNo, after-amount, after)
	if err != nil {
		return false, err
	}
	if !flipped {
		// Another delivery completed the order between our lock and update.
		return false, nil
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("ledger_service.CompleteRechargeOrder: commit: %w", err)
	}
	return true, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries and play balance
// ──────────────────────────────────────────────────────────────────────────────

// SetPlayBalance overwrites a user's virtual balance.
func (s *LedgerService) SetPlayBalance(ctx context.Context, userID string, value domain.Cents) error {
	if domain.IsAnonymousUser(userID) {
		return domain.ErrUserNotFound
	}
	if value < 0 {
		return domain.ErrInvalidAmount
	}
	if err := s.ledgerRepo.SetPlayBalance(ctx, userID, value); err != nil {
		return fmt.Errorf("ledger_service.SetPlayBalance: %w", err)
	}
	return nil
}

// GetBalance returns a user's real and play balances in cents.
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (balance, playBalance domain.Cents, err error) {
	if domain.IsAnonymousUser(userID) {
		return 0, 0, nil
	}
	balance, playBalance, err = s.ledgerRepo.GetBalances(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger_service.GetBalance: %w", err)
	}
	return balance, playBalance, nil
}

// GetTransactionHistory returns a page of a user's ledger rows plus the total
// count.
func (s *LedgerService) GetTransactionHistory(ctx context.Context, userID string, limit, offset int) ([]*domain.Transaction, int, error) {
	txns, total, err := s.ledgerRepo.GetByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger_service.GetTransactionHistory: %w", err)
	}
	return txns, total, nil
}
