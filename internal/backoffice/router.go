// Package backoffice wires the admin HTTP surface: staff login, dashboard,
// round intervention, user management, risk views and financial reports.
// It runs as its own server behind an IP allowlist.
package backoffice

import (
	"net/http"
	"strings"

	"github.com/evetabi/gridstrike/internal/backoffice/handler"
	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/evetabi/gridstrike/internal/ws"
	"github.com/gin-gonic/gin"
)

// BackofficeDeps bundles every dependency needed for the admin router.
type BackofficeDeps struct {
	AuthSvc    *service.AuthService
	Engine     *service.RoundEngine // nil when running as a standalone read-only instance
	RiskSvc    *service.RiskService
	SettleSvc  *service.SettlementService
	LedgerSvc  *service.LedgerService
	PriceSvc   *service.PriceService
	UserRepo   *repository.UserRepository
	RoundRepo  *repository.RoundRepository
	BetRepo    *repository.BetRepository
	LedgerRepo *repository.LedgerRepository
	PoolRepo   *repository.PoolRepository
	SnapRepo   *repository.SnapshotRepository
	Hub        *ws.Hub
	Cfg        *config.Config
}

// SetupBackofficeRouter creates the admin Gin engine on the backoffice port.
func SetupBackofficeRouter(deps BackofficeDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(ipWhitelistMiddleware(deps.Cfg.Server.BackofficeAllowedIPs))

	authH := handler.NewAdminAuthHandler(deps.AuthSvc)
	dashH := handler.NewDashboardHandler(deps.Engine, deps.RiskSvc, deps.SettleSvc, deps.PoolRepo, deps.LedgerRepo, deps.Hub, deps.Cfg)
	roundH := handler.NewRoundAdminHandler(deps.Engine, deps.RoundRepo, deps.BetRepo, deps.SnapRepo)
	userH := handler.NewUserAdminHandler(deps.UserRepo, deps.LedgerSvc, deps.BetRepo)
	riskH := handler.NewRiskHandler(deps.Engine, deps.RiskSvc, deps.PriceSvc, deps.PoolRepo, deps.Cfg)
	financeH := handler.NewFinanceHandler(deps.LedgerRepo, deps.Cfg)

	// Login is the one route outside the JWT gate.
	r.POST("/admin/login", authH.Login)

	jwtMW := adminJWTMiddleware(deps.AuthSvc)

	admin := r.Group("/admin")
	admin.Use(jwtMW)
	{
		admin.GET("/dashboard", dashH.Dashboard)

		// Rounds
		rd := admin.Group("/rounds")
		{
			rd.GET("", roundH.List)
			rd.GET("/:id", roundH.Detail)
			rd.POST("/:id/end", roundH.End)
			rd.POST("/:id/cancel", roundH.Cancel)
		}

		// Users
		u := admin.Group("/users")
		{
			u.GET("", userH.List)
			u.GET("/:id", userH.Detail)
			u.POST("/:id/suspend", userH.Suspend)
			u.POST("/:id/activate", userH.Activate)
			u.POST("/:id/silence", userH.Silence)
			u.POST("/:id/unsilence", userH.Unsilence)
			u.POST("/:id/balance", userH.AdjustBalance)
			u.POST("/:id/role", userH.SetRole)
		}

		// Risk
		risk := admin.Group("/risk")
		{
			risk.GET("/live", riskH.Live)
			risk.GET("/pool", riskH.Pool)
			risk.GET("/price-sources", riskH.PriceSources)
		}

		// Finance
		fin := admin.Group("/finance")
		{
			fin.GET("/transactions", financeH.Transactions)
			fin.GET("/recharges", financeH.Recharges)
			fin.GET("/report", financeH.Report)
		}
	}

	return r
}

// ── IP whitelist middleware ───────────────────────────────────────────────────

// ipWhitelistMiddleware blocks requests from IPs not in the allowlist.
// allowedIPs is a comma-separated string; empty means allow all.
func ipWhitelistMiddleware(allowedIPs string) gin.HandlerFunc {
	if allowedIPs == "" {
		return func(c *gin.Context) { c.Next() } // dev mode: no restriction
	}

	allowed := make(map[string]bool)
	for _, ip := range strings.Split(allowedIPs, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			allowed[ip] = true
		}
	}

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !allowed[clientIP] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "access denied: your IP is not whitelisted",
			})
			return
		}
		c.Next()
	}
}

// ── Admin JWT middleware ──────────────────────────────────────────────────────

// adminJWTMiddleware validates a JWT and requires the caller to hold a
// backoffice-capable role.
func adminJWTMiddleware(authSvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claims, err := authSvc.ParseAccessToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !domain.UserRole(claims.Role).CanAccessBackoffice() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}

		c.Set("userID", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}
