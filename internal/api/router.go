// Package api wires the public HTTP surface: round reads, guest identity,
// wallet endpoints, the recharge webhook, and the WebSocket upgrade.
package api

import (
	"net/http"
	"strings"

	"github.com/evetabi/gridstrike/internal/api/handler"
	"github.com/evetabi/gridstrike/internal/api/middleware"
	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/evetabi/gridstrike/internal/ws"
	"github.com/gin-gonic/gin"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	AuthSvc   *service.AuthService
	Engine    *service.RoundEngine
	LedgerSvc *service.LedgerService
	RoundRepo *repository.RoundRepository
	BetRepo   *repository.BetRepository
	UserRepo  *repository.UserRepository
	Hub       *ws.Hub
	Cfg       *config.Config
}

// SetupRouter creates and configures the main Gin engine with all routes,
// middleware, CORS, and rate limiting rules.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health check ─────────────────────────────────────────────────────────
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ── Handlers ─────────────────────────────────────────────────────────────
	userH := handler.NewUserHandler(deps.AuthSvc, deps.UserRepo, deps.BetRepo)
	roundH := handler.NewRoundHandler(deps.Engine, deps.RoundRepo, deps.BetRepo)
	walletH := handler.NewWalletHandler(deps.LedgerSvc)
	webhookH := handler.NewWebhookHandler(deps.LedgerSvc, deps.Cfg)

	// ── JWT middleware (shared) ───────────────────────────────────────────────
	jwtMW := middleware.JWTMiddleware(deps.AuthSvc)

	// ── Rate limiter: one per-IP bucket across the public surface ────────────
	httpRL := middleware.RateLimitMiddleware(deps.Cfg.RateLimit.HTTPPerIPRPS, deps.Cfg.RateLimit.HTTPPerIPCap)

	api := r.Group("/api/v1")
	api.Use(httpRL)
	{
		// ── Identity (public) ────────────────────────────────────────────────
		api.POST("/auth/guest", userH.Guest)

		// ── Rounds (public reads) ────────────────────────────────────────────
		rounds := api.Group("/rounds")
		{
			rounds.GET("", roundH.ListRecent)
			rounds.GET("/current", roundH.Current)
			rounds.GET("/:id", roundH.GetByID)
			rounds.GET("/:id/bets", roundH.RoundBets)
		}

		// ── Payment gateway webhook (HMAC-authenticated, no JWT) ─────────────
		api.POST("/wallet/recharge/callback", webhookH.RechargeCallback)

		// ── Authenticated routes ──────────────────────────────────────────────
		authed := api.Group("")
		authed.Use(jwtMW)
		{
			authed.GET("/users/me", userH.Me)
			authed.GET("/users/me/bets", userH.MyBets)

			// Wallet rows exist only for registered accounts.
			wallet := authed.Group("/wallet")
			wallet.Use(middleware.RegisteredOnlyMiddleware())
			{
				wallet.GET("/balance", walletH.GetBalance)
				wallet.GET("/transactions", walletH.GetTransactions)
				wallet.POST("/recharge", walletH.CreateRecharge)
			}
		}
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	if deps.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}

	return r
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware returns a gin middleware that sets appropriate CORS headers.
// In development all origins are allowed; in production only configured ones.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowed := make(map[string]bool)
	allowAll := !cfg.IsProd()
	for _, o := range splitCSV(cfg.Server.CORSAllowedOrigins) {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
