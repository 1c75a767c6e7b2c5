package handler

import (
	"net/http"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/gin-gonic/gin"
)

// FinanceHandler serves /admin/finance endpoints.
type FinanceHandler struct {
	ledgerRepo *repository.LedgerRepository
	cfg        *config.Config
}

// NewFinanceHandler creates a FinanceHandler.
func NewFinanceHandler(ledgerRepo *repository.LedgerRepository, cfg *config.Config) *FinanceHandler {
	return &FinanceHandler{ledgerRepo: ledgerRepo, cfg: cfg}
}

// Transactions godoc
// GET /admin/finance/transactions?user_id=&type=&status=&page=1&limit=50
func (h *FinanceHandler) Transactions(c *gin.Context) {
	page, limit := adminPagination(c)
	offset := (page - 1) * limit

	userID := c.Query("user_id")
	txType := domain.TransactionType(c.Query("type"))
	status := domain.TransactionStatus(c.Query("status"))

	txns, total, err := h.ledgerRepo.Search(c.Request.Context(), userID, txType, status, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	respondList(c, txns, total, page, limit)
}

// Recharges godoc
// GET /admin/finance/recharges?status=PENDING&page=1&limit=50
//
// Recharge rows only; the status filter is the reconciliation view (PENDING
// rows are orders the payment gateway never confirmed).
func (h *FinanceHandler) Recharges(c *gin.Context) {
	page, limit := adminPagination(c)
	offset := (page - 1) * limit

	status := domain.TransactionStatus(c.Query("status"))

	txns, total, err := h.ledgerRepo.Search(c.Request.Context(), "", domain.TxRecharge, status, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	respondList(c, txns, total, page, limit)
}

// Report godoc
// GET /admin/finance/report
//
// Rolling 24h completed volume per transaction type, plus the implied hold
// (stakes in minus payouts and refunds out).
func (h *FinanceHandler) Report(c *gin.Context) {
	ctx := c.Request.Context()

	volumes := make(map[string]interface{}, 5)
	types := []domain.TransactionType{
		domain.TxRecharge, domain.TxWithdraw, domain.TxBet, domain.TxWin, domain.TxRefund,
	}
	totals := make(map[domain.TransactionType]domain.Cents, len(types))
	for _, t := range types {
		v, err := h.ledgerRepo.DailyVolume(ctx, t)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
			return
		}
		totals[t] = v
		volumes[string(t)] = v.Decimal()
	}

	// BET debits are stored negative; WIN/REFUND credits positive.
	hold := -totals[domain.TxBet] - totals[domain.TxWin] - totals[domain.TxRefund]
	respondSuccess(c, http.StatusOK, gin.H{
		"window":  "24h",
		"volumes": volumes,
		"hold":    hold.Decimal(),
	})
}
