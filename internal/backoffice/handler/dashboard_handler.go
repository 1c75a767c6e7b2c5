package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/evetabi/gridstrike/internal/ws"
	"github.com/gin-gonic/gin"
)

// DashboardHandler serves the /admin/dashboard endpoint.
type DashboardHandler struct {
	engine     *service.RoundEngine
	riskSvc    *service.RiskService
	settleSvc  *service.SettlementService
	poolRepo   *repository.PoolRepository
	ledgerRepo *repository.LedgerRepository
	hub        *ws.Hub
	cfg        *config.Config
}

// NewDashboardHandler creates a DashboardHandler.
func NewDashboardHandler(
	engine *service.RoundEngine,
	riskSvc *service.RiskService,
	settleSvc *service.SettlementService,
	poolRepo *repository.PoolRepository,
	ledgerRepo *repository.LedgerRepository,
	hub *ws.Hub,
	cfg *config.Config,
) *DashboardHandler {
	return &DashboardHandler{
		engine:     engine,
		riskSvc:    riskSvc,
		settleSvc:  settleSvc,
		poolRepo:   poolRepo,
		ledgerRepo: ledgerRepo,
		hub:        hub,
		cfg:        cfg,
	}
}

// Dashboard godoc
// GET /admin/dashboard
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	// ── Active round ─────────────────────────────────────────────────────────
	var roundData gin.H
	if h.engine != nil {
		if st, err := h.engine.CurrentState(ctx); err == nil {
			reserved, _ := h.riskSvc.ReservedTotal(ctx, st.RoundID)
			roundData = gin.H{
				"id":               st.RoundID,
				"asset":            st.Asset,
				"status":           st.Status,
				"start_price":      st.StartPrice,
				"elapsed":          st.Elapsed,
				"current_price":    st.CurrentPrice,
				"current_row":      st.CurrentRow,
				"active_bets":      st.ActiveBets,
				"reserved_payout":  reserved.Decimal(),
				"max_round_payout": h.maxRoundPayout(ctx).Decimal(),
			}
		}
	}

	// ── House pool ───────────────────────────────────────────────────────────
	var poolData gin.H
	if pool, err := h.poolRepo.Get(ctx, h.cfg.Game.Asset); err == nil {
		poolData = gin.H{
			"asset":   pool.Asset,
			"balance": pool.Balance.Decimal(),
			"version": pool.Version,
		}
	}

	// ── Daily money movement ─────────────────────────────────────────────────
	rechargeVol, _ := h.ledgerRepo.DailyVolume(ctx, domain.TxRecharge)
	betVol, _ := h.ledgerRepo.DailyVolume(ctx, domain.TxBet)
	winVol, _ := h.ledgerRepo.DailyVolume(ctx, domain.TxWin)

	// ── Live process health ──────────────────────────────────────────────────
	var settlementQueue int
	if h.settleSvc != nil {
		settlementQueue = h.settleSvc.QueueDepth()
	}
	var wsConnections int
	if h.hub != nil {
		wsConnections = h.hub.ConnectedCount()
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"timestamp":    time.Now().UTC(),
		"active_round": roundData,
		"house_pool":   poolData,
		"daily": gin.H{
			"recharge_volume": rechargeVol.Decimal(),
			"bet_volume":      betVol.Decimal(),
			"win_volume":      winVol.Decimal(),
		},
		"settlement_queue": settlementQueue,
		"ws_connections":   wsConnections,
	})
}

func (h *DashboardHandler) maxRoundPayout(ctx context.Context) domain.Cents {
	pool, err := h.poolRepo.Get(ctx, h.cfg.Game.Asset)
	if err != nil {
		return 0
	}
	return h.riskSvc.MaxRoundPayout(pool.Balance)
}
