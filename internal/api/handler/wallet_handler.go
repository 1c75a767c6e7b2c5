package handler

import (
	"errors"
	"net/http"

	"github.com/evetabi/gridstrike/internal/api/middleware"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/gin-gonic/gin"
)

// WalletHandler serves balance, transaction history, and recharge endpoints.
// All routes here sit behind RegisteredOnlyMiddleware: guests have no rows.
type WalletHandler struct {
	ledger *service.LedgerService
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(ledger *service.LedgerService) *WalletHandler {
	return &WalletHandler{ledger: ledger}
}

// GetBalance godoc
// GET /api/v1/wallet/balance [JWT]
func (h *WalletHandler) GetBalance(c *gin.Context) {
	userID := middleware.GetUserID(c)

	balance, playBalance, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		if domain.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch balance")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"balance":      balance.Decimal(),
		"play_balance": playBalance.Decimal(),
	})
}

// GetTransactions godoc
// GET /api/v1/wallet/transactions?page=1&limit=20 [JWT]
func (h *WalletHandler) GetTransactions(c *gin.Context) {
	userID := middleware.GetUserID(c)
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	txns, total, err := h.ledger.GetTransactionHistory(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch transactions")
		return
	}
	respondList(c, txns, total, page, limit)
}

// rechargeRequest is the body for creating a pending top-up order.
type rechargeRequest struct {
	Amount float64 `json:"amount" binding:"required,gt=0"`
}

// CreateRecharge godoc
// POST /api/v1/wallet/recharge [JWT]
//
// Creates a PENDING recharge order; the payment gateway completes it through
// the signed callback.
func (h *WalletHandler) CreateRecharge(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req rechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	amount, ok := domain.CentsFromFloat(req.Amount)
	if !ok || amount <= 0 {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "invalid recharge amount")
		return
	}

	order, err := h.ledger.CreateRechargeOrder(c.Request.Context(), userID, amount)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not create recharge order")
		return
	}
	respondSuccess(c, http.StatusCreated, order)
}
