package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RoundHandler serves round query endpoints: the live projection plus the
// durable history.
type RoundHandler struct {
	engine    *service.RoundEngine
	roundRepo *repository.RoundRepository
	betRepo   *repository.BetRepository
}

// NewRoundHandler creates a RoundHandler.
func NewRoundHandler(engine *service.RoundEngine, roundRepo *repository.RoundRepository, betRepo *repository.BetRepository) *RoundHandler {
	return &RoundHandler{engine: engine, roundRepo: roundRepo, betRepo: betRepo}
}

// Current godoc
// GET /api/v1/rounds/current
func (h *RoundHandler) Current(c *gin.Context) {
	st, err := h.engine.CurrentState(c.Request.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveRound) {
			respondDomainError(c, http.StatusNotFound, err)
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not read round state")
		return
	}
	respondSuccess(c, http.StatusOK, st)
}

// GetByID godoc
// GET /api/v1/rounds/:id
func (h *RoundHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid round id")
		return
	}

	round, err := h.roundRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		if domain.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch round")
		return
	}
	respondSuccess(c, http.StatusOK, round)
}

// ListRecent godoc
// GET /api/v1/rounds?asset=BTCUSDT&page=1&limit=20
func (h *RoundHandler) ListRecent(c *gin.Context) {
	asset := c.Query("asset")
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	rounds, total, err := h.roundRepo.ListRecent(c.Request.Context(), asset, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not list rounds")
		return
	}
	respondList(c, rounds, total, page, limit)
}

// RoundBets godoc
// GET /api/v1/rounds/:id/bets?page=1&limit=20
func (h *RoundHandler) RoundBets(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid round id")
		return
	}
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	bets, total, err := h.betRepo.ListByRound(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not list bets")
		return
	}
	views := make([]domain.BetResponse, 0, len(bets))
	for _, b := range bets {
		views = append(views, b.ToResponse())
	}
	respondList(c, views, total, page, limit)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func parsePagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return
}
