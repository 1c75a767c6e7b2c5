package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// TransactionType classifies a ledger row.
type TransactionType string

const (
	TxRecharge TransactionType = "RECHARGE" // payment gateway credit
	TxWithdraw TransactionType = "WITHDRAW" // cash-out debit
	TxBet      TransactionType = "BET"      // stake debit at placement
	TxWin      TransactionType = "WIN"      // payout credit at settlement
	TxRefund   TransactionType = "REFUND"   // stake returned on cancellation
)

// TransactionStatus tracks two-phase rows (recharges are created PENDING by
// the order flow and completed by the webhook); all other types are written
// COMPLETED directly.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
)

// ──────────────────────────────────────────────────────────────────────────────
// Transaction
// ──────────────────────────────────────────────────────────────────────────────

// Transaction is one immutable ledger row. Amount is signed integer cents and
// the chaining invariant balanceAfter − balanceBefore = amount holds on every
// committed row.
type Transaction struct {
	ID            uuid.UUID         `json:"id"             db:"id"`
	UserID        string            `json:"user_id"        db:"user_id"`
	Type          TransactionType   `json:"type"           db:"type"`
	Amount        Cents             `json:"amount"         db:"amount"`
	BalanceBefore Cents             `json:"balance_before" db:"balance_before"`
	BalanceAfter  Cents             `json:"balance_after"  db:"balance_after"`
	OrderNo       *string           `json:"order_no"       db:"order_no"`
	TradeNo       *string           `json:"trade_no"       db:"trade_no"`
	RelatedBetID  *uuid.UUID        `json:"related_bet_id" db:"related_bet_id"`
	Remark        string            `json:"remark"         db:"remark"`
	Status        TransactionStatus `json:"status"         db:"status"`
	CreatedAt     time.Time         `json:"created_at"     db:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at"   db:"completed_at"`
}

// Balanced verifies the chaining invariant for this row.
func (t *Transaction) Balanced() bool {
	return t.BalanceAfter-t.BalanceBefore == t.Amount
}

// TransactionResponse is the API-safe ledger view with decimal money.
type TransactionResponse struct {
	ID            uuid.UUID         `json:"id"`
	Type          TransactionType   `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	BalanceBefore decimal.Decimal   `json:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	OrderNo       *string           `json:"order_no,omitempty"`
	RelatedBetID  *uuid.UUID        `json:"related_bet_id,omitempty"`
	Remark        string            `json:"remark,omitempty"`
	Status        TransactionStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ToResponse converts a Transaction to its API response form.
func (t *Transaction) ToResponse() TransactionResponse {
	return TransactionResponse{
		ID:            t.ID,
		Type:          t.Type,
		Amount:        t.Amount.Decimal(),
		BalanceBefore: t.BalanceBefore.Decimal(),
		BalanceAfter:  t.BalanceAfter.Decimal(),
		OrderNo:       t.OrderNo,
		RelatedBetID:  t.RelatedBetID,
		Remark:        t.Remark,
		Status:        t.Status,
		CreatedAt:     t.CreatedAt,
	}
}
