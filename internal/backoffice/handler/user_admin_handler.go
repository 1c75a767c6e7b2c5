package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/gin-gonic/gin"
)

// UserAdminHandler serves /admin/users endpoints.
type UserAdminHandler struct {
	userRepo *repository.UserRepository
	ledger   *service.LedgerService
	betRepo  *repository.BetRepository
}

// NewUserAdminHandler creates a UserAdminHandler.
func NewUserAdminHandler(
	userRepo *repository.UserRepository,
	ledger *service.LedgerService,
	betRepo *repository.BetRepository,
) *UserAdminHandler {
	return &UserAdminHandler{userRepo: userRepo, ledger: ledger, betRepo: betRepo}
}

// List godoc
// GET /admin/users?page=1&limit=50
func (h *UserAdminHandler) List(c *gin.Context) {
	page, limit := adminPagination(c)
	offset := (page - 1) * limit

	users, total, err := h.userRepo.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	respondList(c, users, total, page, limit)
}

// Detail godoc
// GET /admin/users/:id
func (h *UserAdminHandler) Detail(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	user, err := h.userRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}

	txns, _, _ := h.ledger.GetTransactionHistory(ctx, id, 50, 0)
	bets, _ := h.betRepo.GetByUserID(ctx, id, 50, 0)

	respondSuccess(c, http.StatusOK, gin.H{
		"user":         user,
		"transactions": txns,
		"bets":         bets,
	})
}

// Suspend godoc
// POST /admin/users/:id/suspend
func (h *UserAdminHandler) Suspend(c *gin.Context) {
	h.setActive(c, false)
}

// Activate godoc
// POST /admin/users/:id/activate
func (h *UserAdminHandler) Activate(c *gin.Context) {
	h.setActive(c, true)
}

func (h *UserAdminHandler) setActive(c *gin.Context, active bool) {
	id := c.Param("id")
	if err := h.userRepo.SetActive(c.Request.Context(), id, active); err != nil {
		h.respondRepoError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"id": id, "is_active": active})
}

// Silence godoc
// POST /admin/users/:id/silence
func (h *UserAdminHandler) Silence(c *gin.Context) {
	h.setSilenced(c, true)
}

// Unsilence godoc
// POST /admin/users/:id/unsilence
func (h *UserAdminHandler) Unsilence(c *gin.Context) {
	h.setSilenced(c, false)
}

func (h *UserAdminHandler) setSilenced(c *gin.Context, silenced bool) {
	id := c.Param("id")
	if err := h.userRepo.SetSilenced(c.Request.Context(), id, silenced); err != nil {
		h.respondRepoError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"id": id, "is_silenced": silenced})
}

// adjustBalanceRequest is the body for a manual balance correction.
type adjustBalanceRequest struct {
	Amount     float64 `json:"amount"  binding:"required"` // signed display units
	Remark     string  `json:"remark"  binding:"required,min=3"`
	IsPlayMode bool    `json:"is_play_mode"`
}

// AdjustBalance godoc
// POST /admin/users/:id/balance
//
// Applies a signed manual correction through the ledger so the audit chain
// stays intact.
func (h *UserAdminHandler) AdjustBalance(c *gin.Context) {
	id := c.Param("id")

	var req adjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	amount, ok := domain.CentsFromFloat(req.Amount)
	if !ok || amount == 0 {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "invalid adjustment amount")
		return
	}

	txType := domain.TxRecharge
	if amount < 0 {
		txType = domain.TxWithdraw
	}
	result, err := h.ledger.ChangeBalance(c.Request.Context(), nil, service.BalanceChange{
		UserID:     id,
		Amount:     amount,
		Type:       txType,
		Remark:     fmt.Sprintf("Manual adjustment by %s: %s", c.GetString("userID"), req.Remark),
		IsPlayMode: req.IsPlayMode,
	})
	if err != nil {
		h.respondRepoError(c, err)
		return
	}
	if !result.Success {
		respondError(c, http.StatusConflict, "ERR_INSUFFICIENT", "adjustment would drive the balance negative")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"id":     id,
		"before": result.Before.Decimal(),
		"after":  result.After.Decimal(),
	})
}

// setRoleRequest is the body for a role change.
type setRoleRequest struct {
	Role domain.UserRole `json:"role" binding:"required"`
}

// SetRole godoc
// POST /admin/users/:id/role
func (h *UserAdminHandler) SetRole(c *gin.Context) {
	id := c.Param("id")

	var req setRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	switch req.Role {
	case domain.RoleUser, domain.RoleAdmin, domain.RoleRisk, domain.RoleFinance, domain.RoleOps, domain.RoleReadOnly:
	default:
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "unknown role")
		return
	}

	if err := h.userRepo.UpdateRole(c.Request.Context(), id, req.Role); err != nil {
		h.respondRepoError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"id": id, "role": req.Role})
}

func (h *UserAdminHandler) respondRepoError(c *gin.Context, err error) {
	if domain.IsNotFound(err) {
		respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
		return
	}
	respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
}
