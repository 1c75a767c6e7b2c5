package handler

import (
	"errors"
	"net/http"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RoundAdminHandler serves /admin/rounds endpoints: history, drill-down, and
// manual intervention on the live round.
type RoundAdminHandler struct {
	engine    *service.RoundEngine
	roundRepo *repository.RoundRepository
	betRepo   *repository.BetRepository
	snapRepo  *repository.SnapshotRepository
}

// NewRoundAdminHandler creates a RoundAdminHandler.
func NewRoundAdminHandler(
	engine *service.RoundEngine,
	roundRepo *repository.RoundRepository,
	betRepo *repository.BetRepository,
	snapRepo *repository.SnapshotRepository,
) *RoundAdminHandler {
	return &RoundAdminHandler{engine: engine, roundRepo: roundRepo, betRepo: betRepo, snapRepo: snapRepo}
}

// List godoc
// GET /admin/rounds?asset=BTCUSDT&page=1&limit=50
func (h *RoundAdminHandler) List(c *gin.Context) {
	page, limit := adminPagination(c)
	offset := (page - 1) * limit

	rounds, total, err := h.roundRepo.ListRecent(c.Request.Context(), c.Query("asset"), limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	respondList(c, rounds, total, page, limit)
}

// Detail godoc
// GET /admin/rounds/:id
func (h *RoundAdminHandler) Detail(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid round id")
		return
	}
	ctx := c.Request.Context()

	round, err := h.roundRepo.GetByID(ctx, id)
	if err != nil {
		if domain.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}

	totals, _ := h.betRepo.GetRoundTotals(ctx, id)
	snapshots, _ := h.snapRepo.CountByRound(ctx, id)
	bets, _, _ := h.betRepo.ListByRound(ctx, id, 200, 0)

	respondSuccess(c, http.StatusOK, gin.H{
		"round":     round,
		"totals":    totals,
		"snapshots": snapshots,
		"bets":      bets,
	})
}

// End godoc
// POST /admin/rounds/:id/end
//
// Settles the live round immediately (reason "manual"). The id must match
// the active round; ending an arbitrary historical round is meaningless.
func (h *RoundAdminHandler) End(c *gin.Context) {
	if !h.matchActiveRound(c) {
		return
	}
	if err := h.engine.EndRound(c.Request.Context(), domain.EndReasonManual); err != nil {
		h.respondEngineError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"ended": true})
}

// Cancel godoc
// POST /admin/rounds/:id/cancel
//
// Voids the live round and refunds every open stake.
func (h *RoundAdminHandler) Cancel(c *gin.Context) {
	if !h.matchActiveRound(c) {
		return
	}
	if err := h.engine.CancelRound(c.Request.Context(), domain.EndReasonCancel, "cancelled by operator"); err != nil {
		h.respondEngineError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"cancelled": true})
}

// matchActiveRound verifies the :id parameter names the engine's live round.
func (h *RoundAdminHandler) matchActiveRound(c *gin.Context) bool {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid round id")
		return false
	}
	if h.engine == nil {
		respondError(c, http.StatusServiceUnavailable, "ERR_NO_ENGINE", "round engine not running on this instance")
		return false
	}
	st, err := h.engine.CurrentState(c.Request.Context())
	if err != nil {
		h.respondEngineError(c, err)
		return false
	}
	if st.RoundID != id {
		respondError(c, http.StatusConflict, "ERR_NOT_ACTIVE", "round is not the active round")
		return false
	}
	return true
}

func (h *RoundAdminHandler) respondEngineError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrNoActiveRound) {
		respondDomainError(c, http.StatusNotFound, err)
		return
	}
	respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
}
