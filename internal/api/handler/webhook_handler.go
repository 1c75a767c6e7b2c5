package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/gin-gonic/gin"
)

// WebhookHandler receives payment-gateway callbacks. Authentication is the
// HMAC signature, not a JWT: the gateway signs orderNo|tradeNo|amount with
// the shared secret.
type WebhookHandler struct {
	ledger *service.LedgerService
	cfg    *config.Config
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(ledger *service.LedgerService, cfg *config.Config) *WebhookHandler {
	return &WebhookHandler{ledger: ledger, cfg: cfg}
}

// rechargeCallback is the gateway's completion notification.
type rechargeCallback struct {
	OrderNo string  `json:"orderNo" binding:"required"`
	TradeNo string  `json:"tradeNo" binding:"required"`
	Amount  float64 `json:"amount"  binding:"required,gt=0"`
	Sign    string  `json:"sign"    binding:"required"`
}

// RechargeCallback godoc
// POST /api/v1/wallet/recharge/callback
//
// Completes a PENDING recharge order. Replays are acknowledged without
// moving money a second time, so the gateway may retry freely.
func (h *WebhookHandler) RechargeCallback(c *gin.Context) {
	var cb rechargeCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	expected := signRecharge(h.cfg.Webhook.RechargeSecret, cb.OrderNo, cb.TradeNo, cb.Amount)
	if !hmac.Equal([]byte(expected), []byte(cb.Sign)) {
		respondError(c, http.StatusUnauthorized, "ERR_BAD_SIGNATURE", "signature mismatch")
		return
	}

	amount, ok := domain.CentsFromFloat(cb.Amount)
	if !ok || amount <= 0 {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "invalid amount")
		return
	}

	processed, err := h.ledger.CompleteRechargeOrder(c.Request.Context(), cb.OrderNo, cb.TradeNo, amount)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
		case errors.Is(err, domain.ErrOrderAmountMismatch):
			respondError(c, http.StatusConflict, "ERR_AMOUNT_MISMATCH", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not complete recharge")
		}
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"order_no":  cb.OrderNo,
		"processed": processed, // false = idempotent replay, already credited
	})
}

// signRecharge computes the hex HMAC-SHA256 over orderNo|tradeNo|amount with
// the amount rendered to exactly two decimal places.
func signRecharge(secret, orderNo, tradeNo string, amount float64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderNo))
	mac.Write([]byte("|"))
	mac.Write([]byte(tradeNo))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatFloat(amount, 'f', 2, 64)))
	return hex.EncodeToString(mac.Sum(nil))
}
