package handler

import (
	"errors"
	"net/http"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/gin-gonic/gin"
)

// RiskHandler serves /admin/risk endpoints: live liability, pool state, and
// price-feed health.
type RiskHandler struct {
	engine   *service.RoundEngine
	riskSvc  *service.RiskService
	priceSvc *service.PriceService
	poolRepo *repository.PoolRepository
	cfg      *config.Config
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(
	engine *service.RoundEngine,
	riskSvc *service.RiskService,
	priceSvc *service.PriceService,
	poolRepo *repository.PoolRepository,
	cfg *config.Config,
) *RiskHandler {
	return &RiskHandler{engine: engine, riskSvc: riskSvc, priceSvc: priceSvc, poolRepo: poolRepo, cfg: cfg}
}

// Live godoc
// GET /admin/risk/live
//
// Current round liability: reserved expected payout against the cap.
func (h *RiskHandler) Live(c *gin.Context) {
	ctx := c.Request.Context()

	if h.engine == nil {
		respondError(c, http.StatusServiceUnavailable, "ERR_NO_ENGINE", "round engine not running on this instance")
		return
	}
	st, err := h.engine.CurrentState(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveRound) {
			respondSuccess(c, http.StatusOK, gin.H{"active": false})
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}

	reserved, _ := h.riskSvc.ReservedTotal(ctx, st.RoundID)
	var maxPayout domain.Cents
	if pool, err := h.poolRepo.Get(ctx, st.Asset); err == nil {
		maxPayout = h.riskSvc.MaxRoundPayout(pool.Balance)
	}

	headroom := maxPayout - reserved
	if headroom < 0 {
		headroom = 0
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"active":           true,
		"round_id":         st.RoundID,
		"status":           st.Status,
		"active_bets":      st.ActiveBets,
		"reserved_payout":  reserved.Decimal(),
		"max_round_payout": maxPayout.Decimal(),
		"headroom":         headroom.Decimal(),
	})
}

// Pool godoc
// GET /admin/risk/pool
func (h *RiskHandler) Pool(c *gin.Context) {
	pool, err := h.poolRepo.Get(c.Request.Context(), h.cfg.Game.Asset)
	if err != nil {
		if domain.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"asset":      pool.Asset,
		"balance":    pool.Balance.Decimal(),
		"version":    pool.Version,
		"updated_at": pool.UpdatedAt,
	})
}

// PriceSources godoc
// GET /admin/risk/price-sources
//
// Feed health: stream connectivity, the last accepted price, and the
// weighted composite with its per-exchange legs.
func (h *RiskHandler) PriceSources(c *gin.Context) {
	status := h.priceSvc.Status()

	composite, sources, err := h.priceSvc.GetWeightedPrice(c.Request.Context())
	out := gin.H{
		"stream_connected": status.StreamConnected,
		"last_price":       status.LastPrice,
		"last_update":      status.LastUpdate,
		"exchanges":        status.Exchanges,
	}
	if err == nil {
		out["composite"] = composite
		out["sources"] = sources
	} else {
		out["composite_error"] = err.Error()
	}
	respondSuccess(c, http.StatusOK, out)
}
