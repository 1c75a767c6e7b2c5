// Package scheduler drives the automatic round cadence: start a round, wait
// for the engine to close it, pause for the configured gap, repeat. Nothing
// about round semantics lives here; the engine owns the lifecycle.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/service"
)

const (
	// startRetryDelay paces retries when the engine cannot open a round
	// (price feed warming up, Redis unavailable, orphan row pending).
	startRetryDelay = 5 * time.Second
)

// Scheduler runs the auto-round loop. Call Start(ctx) once from main();
// cancel the context to shut it down gracefully.
type Scheduler struct {
	engine *service.RoundEngine
	cfg    *config.Config
	logger *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(engine *service.RoundEngine, cfg *config.Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{engine: engine, cfg: cfg, logger: logger}
}

// Start launches the round loop goroutine. It returns immediately; the loop
// runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.roundLoop(ctx)
	s.logger.Info("scheduler started", "gap", s.cfg.Game.AutoRoundGap)
}

// roundLoop opens rounds back to back with AutoRoundGap between them. A start
// failure is retried after a short pause: ErrPriceUnavailable resolves once
// the feed warms up, ErrRoundActive once the competing round closes.
func (s *Scheduler) roundLoop(ctx context.Context) {
	defer s.recoverAndLog("roundLoop")

	for {
		if ctx.Err() != nil {
			s.logger.Info("roundLoop: shutting down")
			return
		}

		round, err := s.engine.StartRound(ctx)
		if err != nil {
			s.logStartFailure(err)
			select {
			case <-ctx.Done():
				s.logger.Info("roundLoop: shutting down")
				return
			case <-time.After(startRetryDelay):
			}
			continue
		}
		s.logger.Info("round opened", "id", round.ID, "start_price", round.StartPrice)

		select {
		case <-ctx.Done():
			// main() cancels the active round via engine.Stop().
			s.logger.Info("roundLoop: shutting down")
			return
		case <-s.engine.RoundDone():
		}

		select {
		case <-ctx.Done():
			s.logger.Info("roundLoop: shutting down")
			return
		case <-time.After(s.cfg.Game.AutoRoundGap):
		}
	}
}

func (s *Scheduler) logStartFailure(err error) {
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, domain.ErrPriceUnavailable):
		s.logger.Warn("round start deferred: waiting for a fresh price")
	case errors.Is(err, domain.ErrRoundActive):
		s.logger.Warn("round start deferred: a round is already active")
	default:
		s.logger.Error("round start failed", "err", err)
	}
}

// recoverAndLog is deferred inside the loop goroutine to catch unexpected
// panics, log them, and keep the process alive.
func (s *Scheduler) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		s.logger.Error("PANIC recovered in scheduler loop", "loop", loop, "panic", r)
	}
}
