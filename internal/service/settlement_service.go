package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jpillora/backoff"
)

const (
	settleBatchSize  = 50
	settleTxAttempts = 3
	settleTxTimeout  = 15 * time.Second

	// Round-level compensation retries: 1 s, 2 s, 4 s, capped at 30 s.
	compensateAttempts = 3

	flushQueueWait = 30 * time.Second
	flushQueuePoll = 50 * time.Millisecond
)

// Notifier is the minimal interface SettlementService needs from the WS hub.
// Implemented by ws.Hub.
type Notifier interface {
	BroadcastBetSettled(bet *domain.Bet, isWin bool, hit *domain.HitDetails)
}

// SettlementStore is the durable surface settlement runs against. InTx wraps
// one batch in a transaction; the tx it hands to the callback is threaded
// through every write so bet flips, credits, stats, and the pool delta commit
// together. Implemented by SettleStore.
type SettlementStore interface {
	InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	MarkSettling(ctx context.Context, ids []uuid.UUID) error
	SettleBet(ctx context.Context, tx *sqlx.Tx, betID uuid.UUID, status domain.BetStatus, payout domain.Cents, hit *domain.HitDetails) error
	OpenBetsByRound(ctx context.Context, roundID uuid.UUID) ([]*domain.Bet, error)
	CountOpenBets(ctx context.Context, roundID uuid.UUID) (int, error)
	ApplyStatsDelta(ctx context.Context, tx *sqlx.Tx, userID string, d domain.StatsDelta) error
	ApplyPoolDelta(ctx context.Context, tx *sqlx.Tx, asset string, delta domain.Cents) (domain.Cents, error)
}

// SettlementLedger covers the win-credit paths. Implemented by LedgerService.
type SettlementLedger interface {
	ChangeBalance(ctx context.Context, tx *sqlx.Tx, change BalanceChange) (*ChangeResult, error)
	BatchChangeBalance(ctx context.Context, tx *sqlx.Tx, userID string, changes []BalanceChange) (*ChangeResult, error)
}

// ReservationReleaser frees risk liability after a bet reaches a terminal
// state. Implemented by RiskService.
type ReservationReleaser interface {
	ReleaseExpectedPayout(ctx context.Context, roundID uuid.UUID, orderID string) (released bool, err error)
}

// SnapshotReader is the persisted price path, for after-the-fact resolution.
// Implemented by SnapshotService.
type SnapshotReader interface {
	SnapshotsInWindow(ctx context.Context, roundID uuid.UUID, start, end float64) []*domain.PriceSnapshot
	LastSnapshot(ctx context.Context, roundID uuid.UUID) *domain.PriceSnapshot
}

// SettlementItem carries one resolved bet outcome from the engine's tick loop
// to the drain worker. Hit is nil for losses.
type SettlementItem struct {
	Bet   *domain.Bet
	IsWin bool
	Hit   *domain.HitDetails
}

// ──────────────────────────────────────────────────────────────────────────────
// SettlementService
// ──────────────────────────────────────────────────────────────────────────────

// SettlementService turns resolved outcomes into committed money movement:
// bet status flips, win credits, house-pool liability release, and user stats,
// all inside one durable transaction per batch. A bet is settled at most once;
// the status guard on the UPDATE is the gate, so the queue, compensation, and
// boot reconciliation may all chase the same bet safely.
type SettlementService struct {
	store     SettlementStore
	snapshots SnapshotReader
	ledger    SettlementLedger
	risk      ReservationReleaser
	cfg       *config.Config

	notifier Notifier // injected after WS Hub is built

	mu         sync.Mutex
	queue      []*SettlementItem
	pending    map[uuid.UUID]*SettlementItem // betID → queued outcome, trusted by compensation
	isSettling bool                          // a drain worker is running

	retryMu      sync.Mutex
	retryRound   uuid.UUID
	retryAttempt int
	retryTimer   *time.Timer
	retryDelay   *backoff.Backoff
}

// NewSettlementService builds a SettlementService.
func NewSettlementService(
	store SettlementStore,
	snapshots SnapshotReader,
	ledger SettlementLedger,
	risk ReservationReleaser,
	cfg *config.Config,
) *SettlementService {
	return &SettlementService{
		store:     store,
		snapshots: snapshots,
		ledger:    ledger,
		risk:      risk,
		cfg:       cfg,
		pending:   make(map[uuid.UUID]*SettlementItem),
		retryDelay: &backoff.Backoff{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
		},
	}
}

// SetNotifier injects the WS Hub dependency post-construction.
func (s *SettlementService) SetNotifier(n Notifier) { s.notifier = n }

// ──────────────────────────────────────────────────────────────────────────────
// Queue & drain worker
// ──────────────────────────────────────────────────────────────────────────────

// Enqueue accepts one resolved outcome and wakes the drain worker. Safe to
// call from any goroutine; at most one worker runs at a time.
func (s *SettlementService) Enqueue(bet *domain.Bet, isWin bool, hit *domain.HitDetails) {
	item := &SettlementItem{Bet: bet, IsWin: isWin, Hit: hit}

	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.pending[bet.ID] = item
	start := !s.isSettling
	if start {
		s.isSettling = true
	}
	s.mu.Unlock()

	if start {
		go s.drain()
	}
}

// QueueDepth reports how many outcomes await the drain worker.
func (s *SettlementService) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// FlushQueue blocks until the queue is empty and no worker is running, up to
// 30 s. Returns false on timeout or context cancellation; it never blocks
// round end forever.
func (s *SettlementService) FlushQueue(ctx context.Context) bool {
	deadline := time.Now().Add(flushQueueWait)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		idle := len(s.queue) == 0 && !s.isSettling
		s.mu.Unlock()
		if idle {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(flushQueuePoll):
		}
	}
	return false
}

// drain empties the queue batch by batch, then hands the worker slot back.
// Anything arriving between the last empty poll and the flag reset restarts
// the worker, so no item waits for the next Enqueue.
func (s *SettlementService) drain() {
	for {
		batch := s.takeBatch()
		if len(batch) == 0 {
			break
		}
		s.settleBatch(batch)
	}

	s.mu.Lock()
	s.isSettling = len(s.queue) > 0
	restart := s.isSettling
	s.mu.Unlock()
	if restart {
		go s.drain()
	}
}

func (s *SettlementService) takeBatch() []*SettlementItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	n := settleBatchSize
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := s.queue[:n]
	s.queue = s.queue[n:]
	return batch
}

// settleBatch commits one batch with bounded retries. A batch that exhausts
// its attempts is dropped from the queue; its bets stay open in the store and
// compensation at round end re-resolves them.
func (s *SettlementService) settleBatch(batch []*SettlementItem) {
	s.markSettling(batch)

	delay := &backoff.Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	for attempt := 1; attempt <= settleTxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), settleTxTimeout)
		settled, skipped, err := s.settleBatchTx(ctx, batch)
		cancel()
		if err == nil {
			s.afterSettle(settled, skipped)
			return
		}
		log.Printf("[settlement] batch of %d failed (attempt %d/%d): %v",
			len(batch), attempt, settleTxAttempts, err)
		if attempt < settleTxAttempts {
			time.Sleep(delay.Duration())
		}
	}
	log.Printf("[settlement] batch of %d dropped after %d attempts; bets stay open for compensation",
		len(batch), settleTxAttempts)
}

// markSettling flips the batch's bets PENDING→SETTLING so a crash between here
// and the commit is visible to reconciliation. Best-effort: settlement itself
// accepts both states.
func (s *SettlementService) markSettling(batch []*SettlementItem) {
	ids := make([]uuid.UUID, len(batch))
	for i, it := range batch {
		ids[i] = it.Bet.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.MarkSettling(ctx, ids); err != nil {
		log.Printf("[settlement] mark settling: %v", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Batch transaction
// ──────────────────────────────────────────────────────────────────────────────

// settleTotals accumulates one user's share of a batch.
type settleTotals struct {
	stats      domain.StatsDelta
	credits    []BalanceChange
	playWins   []*SettlementItem
	realPayout domain.Cents
}

// settleBatchTx applies one batch inside a single durable transaction:
//
//  1. flip each bet to WON/LOST (the status-guarded UPDATE skips bets some
//     other path settled first),
//  2. credit each user's real wins through one batched ledger call,
//  3. credit play wins against the virtual balance,
//  4. release house-pool liability for the payouts actually credited,
//  5. apply per-user stats.
//
// A user row missing at settlement time is logged and skipped; the batch and
// the round still complete. On success the in-memory bets carry the committed
// status, payout, and hit fields, so the bet:settled broadcast reports the
// amount actually credited.
func (s *SettlementService) settleBatchTx(ctx context.Context, batch []*SettlementItem) (settled, skipped []*SettlementItem, err error) {
	err = s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		settled, skipped = nil, nil

		// ── 1. Flip statuses and aggregate per user ──────────────────────────
		perUser := make(map[string]*settleTotals)
		userOrder := make([]string, 0, len(batch))

		for _, it := range batch {
			status := domain.BetStatusLost
			var payout domain.Cents
			var hit *domain.HitDetails
			if it.IsWin {
				status = domain.BetStatusWon
				payout = it.Bet.ExpectedPayout()
				hit = it.Hit
			}

			if sErr := s.store.SettleBet(ctx, tx, it.Bet.ID, status, payout, hit); sErr != nil {
				if errors.Is(sErr, domain.ErrBetSettled) {
					skipped = append(skipped, it)
					continue
				}
				return fmt.Errorf("settlement_service.settleBatchTx: settle bet %s: %w", it.Bet.ID, sErr)
			}
			settled = append(settled, it)

			agg := perUser[it.Bet.UserID]
			if agg == nil {
				agg = &settleTotals{}
				perUser[it.Bet.UserID] = agg
				userOrder = append(userOrder, it.Bet.UserID)
			}

			if it.IsWin {
				if it.Bet.IsPlayMode {
					agg.playWins = append(agg.playWins, it)
				} else {
					betID := it.Bet.ID
					agg.credits = append(agg.credits, BalanceChange{
						UserID:       it.Bet.UserID,
						Amount:       payout,
						Type:         domain.TxWin,
						RelatedBetID: &betID,
						Remark:       fmt.Sprintf("Win bet %s", it.Bet.ID),
					})
					agg.realPayout += payout
				}
			}

			// Stats track real money only; play rounds never move the counters.
			if !it.Bet.IsPlayMode && !domain.IsAnonymousUser(it.Bet.UserID) {
				agg.stats.Bets++
				if it.IsWin {
					agg.stats.Wins++
					agg.stats.Profit += payout
				} else {
					agg.stats.Losses++
					agg.stats.Profit -= it.Bet.Amount
				}
			}
		}

		// ── 2-5. Money, pool, stats per user ─────────────────────────────────
		var poolDelta domain.Cents
		for _, userID := range userOrder {
			agg := perUser[userID]

			if len(agg.credits) > 0 {
				if _, cErr := s.ledger.BatchChangeBalance(ctx, tx, userID, agg.credits); cErr != nil {
					if !errors.Is(cErr, domain.ErrUserNotFound) {
						return fmt.Errorf("settlement_service.settleBatchTx: credit user %s: %w", userID, cErr)
					}
					log.Printf("[settlement] user %s missing, skipping %d win credits", userID, len(agg.credits))
				} else {
					poolDelta += agg.realPayout
				}
			} else if agg.realPayout > 0 {
				// Credits normally carry one row per winning bet; if none were
				// recorded, one aggregate credit keeps the balance whole.
				if _, cErr := s.ledger.ChangeBalance(ctx, tx, BalanceChange{
					UserID: userID,
					Amount: agg.realPayout,
					Type:   domain.TxWin,
					Remark: "Round settlement",
				}); cErr != nil {
					if !errors.Is(cErr, domain.ErrUserNotFound) {
						return fmt.Errorf("settlement_service.settleBatchTx: aggregate credit user %s: %w", userID, cErr)
					}
					log.Printf("[settlement] user %s missing, skipping aggregate credit", userID)
				} else {
					poolDelta += agg.realPayout
				}
			}

			for _, it := range agg.playWins {
				betID := it.Bet.ID
				res, playErr := s.ledger.ChangeBalance(ctx, tx, BalanceChange{
					UserID:       userID,
					Amount:       it.Bet.ExpectedPayout(),
					Type:         domain.TxWin,
					RelatedBetID: &betID,
					Remark:       fmt.Sprintf("Win bet %s", it.Bet.ID),
					IsPlayMode:   true,
				})
				if playErr != nil {
					if !errors.Is(playErr, domain.ErrUserNotFound) {
						return fmt.Errorf("settlement_service.settleBatchTx: play credit bet %s: %w", it.Bet.ID, playErr)
					}
					log.Printf("[settlement] user %s missing, skipping play credit for bet %s", userID, it.Bet.ID)
					continue
				}
				if !res.Success {
					log.Printf("[settlement] play credit for bet %s rejected", it.Bet.ID)
				}
			}

			if agg.stats.Bets > 0 {
				if uErr := s.store.ApplyStatsDelta(ctx, tx, userID, agg.stats); uErr != nil {
					if !errors.Is(uErr, domain.ErrUserNotFound) {
						return fmt.Errorf("settlement_service.settleBatchTx: stats user %s: %w", userID, uErr)
					}
					log.Printf("[settlement] user %s missing, skipping stats", userID)
				}
			}
		}

		if poolDelta > 0 {
			if _, pErr := s.store.ApplyPoolDelta(ctx, tx, s.cfg.Game.Asset, -poolDelta); pErr != nil {
				return fmt.Errorf("settlement_service.settleBatchTx: pool delta: %w", pErr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// The rows committed; bring the in-memory bets up to date before the
	// post-commit notifications read them.
	now := time.Now().UTC()
	for _, it := range settled {
		if it.IsWin {
			it.Bet.Status = domain.BetStatusWon
			it.Bet.Payout = it.Bet.ExpectedPayout()
			if it.Hit != nil {
				it.Bet.HitPrice = &it.Hit.Price
				it.Bet.HitRow = &it.Hit.Row
				it.Bet.HitTime = &it.Hit.Time
			}
		} else {
			it.Bet.Status = domain.BetStatusLost
		}
		it.Bet.SettledAt = &now
	}
	return settled, skipped, nil
}

// afterSettle runs the post-commit effects: drop the items from the pending
// map, release risk reservations, and notify clients. Failures here are
// logged only; the money already moved.
func (s *SettlementService) afterSettle(settled, skipped []*SettlementItem) {
	if len(settled) == 0 && len(skipped) == 0 {
		return
	}

	s.mu.Lock()
	for _, it := range settled {
		delete(s.pending, it.Bet.ID)
	}
	for _, it := range skipped {
		delete(s.pending, it.Bet.ID)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, it := range settled {
		if !it.Bet.IsPlayMode {
			if _, err := s.risk.ReleaseExpectedPayout(ctx, it.Bet.RoundID, it.Bet.OrderID); err != nil {
				log.Printf("[settlement] release reservation for order %s: %v", it.Bet.OrderID, err)
			}
		}
		if s.notifier != nil {
			s.notifier.BroadcastBetSettled(it.Bet, it.IsWin, it.Hit)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Hit resolution from snapshots
// ──────────────────────────────────────────────────────────────────────────────

// resolveHitBySnapshots decides a bet after the fact from the persisted price
// path. snaps may cover more than the bet's window; the bet's own
// [targetTime−tol, targetTime+tol] slice is taken here. With no in-window
// sample the round's last sample decides (flagged as fallback). With one
// sample the row distance decides. With two or more, each consecutive pair
// spans a row interval; the first pair whose widened interval contains the
// target row wins.
func (s *SettlementService) resolveHitBySnapshots(bet *domain.Bet, snaps []*domain.PriceSnapshot, last *domain.PriceSnapshot) (bool, *domain.HitDetails) {
	lo := bet.TargetTime - domain.HitTimeTolerance
	hi := bet.TargetTime + domain.HitTimeTolerance

	var window []*domain.PriceSnapshot
	for _, sn := range snaps {
		if sn.Elapsed >= lo && sn.Elapsed <= hi {
			window = append(window, sn)
		}
	}

	rowTol := s.cfg.Game.HitRowTolerance
	target := float64(bet.TargetRow)

	switch {
	case len(window) == 0:
		if last == nil {
			return false, nil
		}
		if math.Abs(target-float64(last.RowIndex)) <= rowTol {
			return true, &domain.HitDetails{
				Price: last.Price, Row: last.RowIndex, Time: last.Elapsed, UsedFallback: true,
			}
		}
		return false, nil

	case len(window) == 1:
		sn := window[0]
		if math.Abs(target-float64(sn.RowIndex)) <= rowTol {
			return true, &domain.HitDetails{Price: sn.Price, Row: sn.RowIndex, Time: sn.Elapsed}
		}
		return false, nil

	default:
		for i := 0; i+1 < len(window); i++ {
			a, b := window[i], window[i+1]
			loRow := math.Min(float64(a.RowIndex), float64(b.RowIndex)) - rowTol
			hiRow := math.Max(float64(a.RowIndex), float64(b.RowIndex)) + rowTol
			if target >= loRow && target <= hiRow {
				return true, &domain.HitDetails{Price: b.Price, Row: b.RowIndex, Time: b.Elapsed}
			}
		}
		return false, nil
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Compensation — round end and boot reconciliation
// ──────────────────────────────────────────────────────────────────────────────

// CompensateUnsettledBets settles every bet the live path left open, loading
// the round's snapshots once for the union of all bet windows. Outcomes still
// sitting in the queue are trusted as resolved; everything else is re-derived
// from snapshots. Each bet commits in its own transaction so one failure
// cannot hold the rest hostage.
func (s *SettlementService) CompensateUnsettledBets(ctx context.Context, roundID uuid.UUID) error {
	bets, err := s.store.OpenBetsByRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("settlement_service.CompensateUnsettledBets: list open: %w", err)
	}
	if len(bets) == 0 {
		s.clearRetry(roundID)
		return nil
	}

	lo, hi := bets[0].TargetTime, bets[0].TargetTime
	for _, b := range bets[1:] {
		if b.TargetTime < lo {
			lo = b.TargetTime
		}
		if b.TargetTime > hi {
			hi = b.TargetTime
		}
	}
	snaps := s.snapshots.SnapshotsInWindow(ctx, roundID, lo-domain.HitTimeTolerance, hi+domain.HitTimeTolerance)
	last := s.snapshots.LastSnapshot(ctx, roundID)

	var failed int
	for _, bet := range bets {
		item := s.pendingItem(bet.ID)
		if item == nil {
			isWin, hit := s.resolveHitBySnapshots(bet, snaps, last)
			item = &SettlementItem{Bet: bet, IsWin: isWin, Hit: hit}
		}

		settled, skipped, txErr := s.settleBatchTx(ctx, []*SettlementItem{item})
		if txErr != nil {
			failed++
			log.Printf("[settlement] compensate bet %s: %v", bet.ID, txErr)
			continue
		}
		s.afterSettle(settled, skipped)
	}

	if failed > 0 {
		return fmt.Errorf("settlement_service.CompensateUnsettledBets: %d of %d bets failed", failed, len(bets))
	}
	s.clearRetry(roundID)
	log.Printf("[settlement] compensated %d bets for round %s", len(bets), roundID)
	return nil
}

func (s *SettlementService) pendingItem(betID uuid.UUID) *SettlementItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[betID]
}

// CountPendingBets reports how many of a round's bets still await settlement.
// Returns 0 and logs on store error so callers in shutdown paths never stall.
func (s *SettlementService) CountPendingBets(ctx context.Context, roundID uuid.UUID) int {
	n, err := s.store.CountOpenBets(ctx, roundID)
	if err != nil {
		log.Printf("[settlement] count pending for round %s: %v", roundID, err)
		return 0
	}
	return n
}

// ClearRound drops any queued outcomes left over for a finished round so the
// pending map cannot grow across rounds.
func (s *SettlementService) ClearRound(roundID uuid.UUID) {
	s.mu.Lock()
	for id, it := range s.pending {
		if it.Bet.RoundID == roundID {
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()
}

// ──────────────────────────────────────────────────────────────────────────────
// Retry timers
// ──────────────────────────────────────────────────────────────────────────────

// ScheduleRetry arms a one-shot timer that re-runs compensation for the round.
// At most 3 attempts per round with 1 s, 2 s, 4 s delays; success along the
// way clears the timer and the attempt counter.
func (s *SettlementService) ScheduleRetry(roundID uuid.UUID) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	if s.retryRound != roundID {
		s.resetRetryLocked()
		s.retryRound = roundID
	}
	if s.retryAttempt >= compensateAttempts {
		log.Printf("[settlement] round %s: exhausted retries, leaving remaining bets to reconciliation", roundID)
		return
	}
	s.retryAttempt++
	attempt := s.retryAttempt
	delay := s.retryDelay.Duration()
	log.Printf("[settlement] round %s: compensation retry %d/%d in %s",
		roundID, attempt, compensateAttempts, delay)

	s.retryTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushQueueWait)
		defer cancel()
		if err := s.CompensateUnsettledBets(ctx, roundID); err != nil {
			log.Printf("[settlement] round %s: retry %d failed: %v", roundID, attempt, err)
			s.ScheduleRetry(roundID)
		}
	})
}

// clearRetry disarms the retry machinery once a round has no unsettled bets.
func (s *SettlementService) clearRetry(roundID uuid.UUID) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if s.retryRound == roundID {
		s.resetRetryLocked()
	}
}

// Stop disarms timers at shutdown. Queued outcomes not yet committed are
// re-resolved by boot reconciliation.
func (s *SettlementService) Stop() {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	s.resetRetryLocked()
}

func (s *SettlementService) resetRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.retryRound = uuid.Nil
	s.retryAttempt = 0
	s.retryDelay.Reset()
}
