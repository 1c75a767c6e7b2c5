package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// LedgerRepository handles balance mutations on users and the immutable
// transactions audit trail. Balance moves are single guarded UPDATEs so the
// balance >= 0 invariant never depends on read-then-write races; the chained
// before value is derived from the returned after value.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// AddBalance credits amount (positive cents) to a user's real balance inside
// a transaction and returns the resulting balance.
func (r *LedgerRepository) AddBalance(ctx context.Context, tx *sqlx.Tx, userID string, amount domain.Cents) (domain.Cents, error) {
	var after domain.Cents
	err := tx.GetContext(ctx, &after,
		`UPDATE users SET balance = balance + $1, updated_at = now() WHERE id = $2 RETURNING balance`,
		amount, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrUserNotFound
		}
		return 0, fmt.Errorf("ledger_repo.AddBalance: %w", err)
	}
	return after, nil
}

// ConditionalDebit subtracts amount (positive cents) from a user's real
// balance only when the current balance is at least minBalance. Returns the
// resulting balance; domain.ErrInsufficientBalance when the guard misses and
// domain.ErrUserNotFound when no such user exists.
func (r *LedgerRepository) ConditionalDebit(ctx context.Context, tx *sqlx.Tx, userID string, amount, minBalance domain.Cents) (domain.Cents, error) {
	var after domain.Cents
	err := tx.GetContext(ctx, &after, `
		UPDATE users SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $3
		RETURNING balance`,
		amount, userID, minBalance)
	if err == nil {
		return after, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("ledger_repo.ConditionalDebit: %w", err)
	}

	// Guard missed: tell a missing user apart from a short balance.
	var exists bool
	if err := tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID); err != nil {
		return 0, fmt.Errorf("ledger_repo.ConditionalDebit exists: %w", err)
	}
	if !exists {
		return 0, domain.ErrUserNotFound
	}
	return 0, domain.ErrInsufficientBalance
}

// AddPlayBalance applies a signed delta to a user's virtual balance. Debits
// are guarded so the play balance never goes negative.
func (r *LedgerRepository) AddPlayBalance(ctx context.Context, tx *sqlx.Tx, userID string, delta domain.Cents) (domain.Cents, error) {
	var after domain.Cents
	err := tx.GetContext(ctx, &after, `
		UPDATE users SET play_balance = play_balance + $1, updated_at = now()
		WHERE id = $2 AND play_balance + $1 >= 0
		RETURNING play_balance`,
		delta, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrInsufficientBalance
		}
		return 0, fmt.Errorf("ledger_repo.AddPlayBalance: %w", err)
	}
	return after, nil
}

// SetPlayBalance overwrites a user's virtual balance (top-up reset).
func (r *LedgerRepository) SetPlayBalance(ctx context.Context, userID string, value domain.Cents) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET play_balance = $1, updated_at = now() WHERE id = $2`,
		value, userID)
	if err != nil {
		return fmt.Errorf("ledger_repo.SetPlayBalance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// GetBalances returns a user's real and play balances.
func (r *LedgerRepository) GetBalances(ctx context.Context, userID string) (balance, playBalance domain.Cents, err error) {
	var row struct {
		Balance     domain.Cents `db:"balance"`
		PlayBalance domain.Cents `db:"play_balance"`
	}
	err = r.db.GetContext(ctx, &row,
		`SELECT balance, play_balance FROM users WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, domain.ErrUserNotFound
		}
		return 0, 0, fmt.Errorf("ledger_repo.GetBalances: %w", err)
	}
	return row.Balance, row.PlayBalance, nil
}

// InsertTransaction writes one audit row inside a transaction.
func (r *LedgerRepository) InsertTransaction(ctx context.Context, tx *sqlx.Tx, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions
			(id, user_id, type, amount, balance_before, balance_after,
			 order_no, trade_no, related_bet_id, remark, status, created_at, completed_at)
		VALUES
			(:id, :user_id, :type, :amount, :balance_before, :balance_after,
			 :order_no, :trade_no, :related_bet_id, :remark, :status, :created_at, :completed_at)`
	if _, err := tx.NamedExecContext(ctx, query, txn); err != nil {
		return fmt.Errorf("ledger_repo.InsertTransaction: %w", err)
	}
	return nil
}

// InsertTransactionDirect writes an audit row outside any caller transaction
// (back-office adjustments, pending recharge orders).
func (r *LedgerRepository) InsertTransactionDirect(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions
			(id, user_id, type, amount, balance_before, balance_after,
			 order_no, trade_no, related_bet_id, remark, status, created_at, completed_at)
		VALUES
			(:id, :user_id, :type, :amount, :balance_before, :balance_after,
			 :order_no, :trade_no, :related_bet_id, :remark, :status, :created_at, :completed_at)`
	if _, err := r.db.NamedExecContext(ctx, query, txn); err != nil {
		return fmt.Errorf("ledger_repo.InsertTransactionDirect: %w", err)
	}
	return nil
}

// GetPendingRecharge locks and returns the PENDING recharge row for orderNo.
// domain.ErrOrderNotFound covers both unknown and already-completed orders;
// the caller treats either as already processed.
func (r *LedgerRepository) GetPendingRecharge(ctx context.Context, tx *sqlx.Tx, orderNo string) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := tx.GetContext(ctx, &txn, `
		SELECT * FROM transactions
		WHERE order_no = $1 AND type = 'RECHARGE' AND status = 'PENDING'
		FOR UPDATE`,
		orderNo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("ledger_repo.GetPendingRecharge: %w", err)
	}
	return &txn, nil
}

// CompleteRecharge flips a PENDING recharge to COMPLETED, stamping the
// gateway trade number and the chained balances. Returns false when the
// status guard misses, meaning another delivery won the race.
func (r *LedgerRepository) CompleteRecharge(ctx context.Context, tx *sqlx.Tx, txnID uuid.UUID, tradeNo string, before, after domain.Cents) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'COMPLETED', trade_no = $1, balance_before = $2,
		    balance_after = $3, completed_at = now()
		WHERE id = $4 AND status = 'PENDING'`,
		tradeNo, before, after, txnID)
	if err != nil {
		return false, fmt.Errorf("ledger_repo.CompleteRecharge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetByUserID returns a user's ledger history, paginated, newest first, plus
// the total count.
func (r *LedgerRepository) GetByUserID(ctx context.Context, userID string, limit, offset int) ([]*domain.Transaction, int, error) {
	var txns []*domain.Transaction
	var total int

	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM transactions WHERE user_id = $1`, userID); err != nil {
		return nil, 0, fmt.Errorf("ledger_repo.GetByUserID count: %w", err)
	}
	if err := r.db.SelectContext(ctx, &txns,
		`SELECT * FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("ledger_repo.GetByUserID select: %w", err)
	}
	return txns, total, nil
}

// Search returns transactions filtered by any combination of user, type, and
// status (empty string means no filter), paginated, for back-office finance.
func (r *LedgerRepository) Search(ctx context.Context, userID string, txType domain.TransactionType, status domain.TransactionStatus, limit, offset int) ([]*domain.Transaction, int, error) {
	where := `WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR type = $2)
		  AND ($3 = '' OR status = $3)`

	var total int
	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM transactions `+where,
		userID, string(txType), string(status)); err != nil {
		return nil, 0, fmt.Errorf("ledger_repo.Search count: %w", err)
	}

	var txns []*domain.Transaction
	if err := r.db.SelectContext(ctx, &txns,
		`SELECT * FROM transactions `+where+` ORDER BY created_at DESC LIMIT $4 OFFSET $5`,
		userID, string(txType), string(status), limit, offset); err != nil {
		return nil, 0, fmt.Errorf("ledger_repo.Search select: %w", err)
	}
	return txns, total, nil
}

// DailyVolume sums today's completed ledger flow for one transaction type.
func (r *LedgerRepository) DailyVolume(ctx context.Context, txType domain.TransactionType) (domain.Cents, error) {
	var total domain.Cents
	err := r.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE type = $1
		  AND status = 'COMPLETED'
		  AND created_at >= date_trunc('day', now())`,
		string(txType))
	if err != nil {
		return 0, fmt.Errorf("ledger_repo.DailyVolume: %w", err)
	}
	return total, nil
}
