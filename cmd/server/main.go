// Package main is the entry point for the gridstrike game server.  It wires
// the round engine, settlement pipeline, and price feed together and starts
// the HTTP API alongside the WebSocket hub and the round scheduler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/evetabi/gridstrike/internal/api"
	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/evetabi/gridstrike/internal/scheduler"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/evetabi/gridstrike/internal/ws"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/redis/go-redis/v9"
)

func main() {
	// ── 1. Logger ─────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting gridstrike server", "env", cfg.Server.Env, "port", cfg.Server.Port, "asset", cfg.Game.Asset)

	// ── 2. Database ───────────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err = db.Ping(); err != nil {
		logger.Error("database ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// ── 3. Migrations ─────────────────────────────────────────────────────────
	if err = runMigrations(db, "migrations"); err != nil {
		logger.Error("migrations failed", "err", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	// ── 4. Redis ──────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	if err = rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Error("redis ping failed", "err", err)
		os.Exit(1)
	}
	pingCancel()
	logger.Info("redis connected", "addr", cfg.Redis.Addr)

	// ── 5. Repositories ───────────────────────────────────────────────────────
	userRepo := repository.NewUserRepository(db)
	roundRepo := repository.NewRoundRepository(db)
	betRepo := repository.NewBetRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	poolRepo := repository.NewPoolRepository(db)
	snapRepo := repository.NewSnapshotRepository(db)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err = poolRepo.Bootstrap(bootCtx, cfg.Game.Asset, cfg.Pool.BootstrapBalance); err != nil {
		bootCancel()
		logger.Error("house pool bootstrap failed", "err", err)
		os.Exit(1)
	}
	bootCancel()

	// ── 6. Services (order matters for injection) ─────────────────────────────
	ledgerSvc := service.NewLedgerService(db, ledgerRepo)
	lockSvc := service.NewLockService(rdb)
	riskSvc := service.NewRiskService(rdb, cfg)
	limiterSvc := service.NewRateLimitService(rdb, cfg)
	snapSvc := service.NewSnapshotService(snapRepo, cfg)

	priceSvc := service.NewPriceService(cfg)
	priceSvc.Start()

	settleStore := service.NewSettleStore(db, betRepo, userRepo, poolRepo)
	settleSvc := service.NewSettlementService(settleStore, snapSvc, ledgerSvc, riskSvc, cfg)

	engineStore := service.NewEngineStore(db, roundRepo, betRepo, userRepo, poolRepo, ledgerSvc, cfg.Game.Asset)
	engine := service.NewRoundEngine(cfg, engineStore, lockSvc, riskSvc, limiterSvc, snapSvc, settleSvc, priceSvc, rdb)

	authSvc := service.NewAuthService(userRepo, cfg)

	// ── 7. Crash recovery ─────────────────────────────────────────────────────
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err = engine.RecoverOrphanRounds(recoverCtx); err != nil {
		recoverCancel()
		logger.Error("orphan round recovery failed", "err", err)
		os.Exit(1)
	}
	recoverCancel()

	// ── 8. WebSocket Hub ──────────────────────────────────────────────────────
	jwtSecret := []byte(cfg.JWT.AccessSecret)
	var allowedOrigins []string
	if ori := os.Getenv("WS_ALLOWED_ORIGINS"); ori != "" {
		for _, o := range strings.Split(ori, ",") {
			allowedOrigins = append(allowedOrigins, strings.TrimSpace(o))
		}
	}
	hub := ws.NewHub(jwtSecret, allowedOrigins)

	// Wire circular dependencies via interfaces
	hub.SetBetPlacer(engine)
	engine.SetBroadcaster(hub)
	settleSvc.SetNotifier(hub)

	// ── 9. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 10. Start background workers ──────────────────────────────────────────
	go hub.Run()
	logger.Info("websocket hub started")

	engine.Start()
	logger.Info("round engine started")

	sched := scheduler.NewScheduler(engine, cfg, logger)
	sched.Start(ctx)

	// ── 11. HTTP Router ───────────────────────────────────────────────────────
	router := api.SetupRouter(api.RouterDeps{
		AuthSvc:   authSvc,
		Engine:    engine,
		LedgerSvc: ledgerSvc,
		RoundRepo: roundRepo,
		BetRepo:   betRepo,
		UserRepo:  userRepo,
		Hub:       hub,
		Cfg:       cfg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop() // trigger graceful shutdown
		}
	}()

	// ── 12. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining…")

	// The engine cancels and refunds the live round before anything below it
	// is torn down.
	engine.Stop()
	settleSvc.Stop()
	priceSvc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}

	rdb.Close()
	db.Close()
	logger.Info("server stopped cleanly")
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially.  Idempotent: SQL files should use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
