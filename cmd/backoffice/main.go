// Package main is the entry point for the gridstrike back-office admin
// server.  Runs on its own port behind an IP allowlist and exposes admin-only
// endpoints protected by RBAC.  It never runs the round engine: round
// interventions reach the live engine only when both binaries share a
// process, so a standalone backoffice is a read-only instance.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evetabi/gridstrike/internal/backoffice"
	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting gridstrike backoffice server",
		"env", cfg.Server.Env, "port", cfg.Server.BackofficePort)

	// ── Database ──────────────────────────────────────────────────────────────
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

	// ── Redis (risk reservation reads) ────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})

	// ── Repositories ──────────────────────────────────────────────────────────
	userRepo := repository.NewUserRepository(db)
	roundRepo := repository.NewRoundRepository(db)
	betRepo := repository.NewBetRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	poolRepo := repository.NewPoolRepository(db)
	snapRepo := repository.NewSnapshotRepository(db)

	// ── Services ──────────────────────────────────────────────────────────────
	authSvc := service.NewAuthService(userRepo, cfg)
	ledgerSvc := service.NewLedgerService(db, ledgerRepo)
	riskSvc := service.NewRiskService(rdb, cfg)
	priceSvc := service.NewPriceService(cfg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Router ────────────────────────────────────────────────────────────────
	router := backoffice.SetupBackofficeRouter(backoffice.BackofficeDeps{
		AuthSvc:    authSvc,
		Engine:     nil, // no live engine in the standalone backoffice
		RiskSvc:    riskSvc,
		SettleSvc:  nil,
		LedgerSvc:  ledgerSvc,
		PriceSvc:   priceSvc,
		UserRepo:   userRepo,
		RoundRepo:  roundRepo,
		BetRepo:    betRepo,
		LedgerRepo: ledgerRepo,
		PoolRepo:   poolRepo,
		SnapRepo:   snapRepo,
		Hub:        nil, // backoffice does not serve WS
		Cfg:        cfg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.BackofficePort,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── Start ─────────────────────────────────────────────────────────────────
	go func() {
		logger.Info("backoffice http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("backoffice server error", "err", err)
			stop()
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("backoffice shutdown error", "err", err)
	}

	rdb.Close()
	db.Close()
	logger.Info("backoffice server stopped cleanly")
}
