package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ──────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces
//
// The engine talks to everything through narrow interfaces so each seam can
// be faked in tests. The concrete implementations are EngineStore and the
// services in this package; the Broadcaster is the WebSocket hub.
// ──────────────────────────────────────────────────────────────────────────────

// RoundStore is the durable state the engine reads and writes.
type RoundStore interface {
	CreateRound(ctx context.Context, round *domain.Round) error
	RoundStatus(ctx context.Context, id uuid.UUID) (domain.RoundStatus, error)
	TransitionRound(ctx context.Context, id uuid.UUID, from, to domain.RoundStatus) (bool, error)
	FinishRound(ctx context.Context, id uuid.UUID, status domain.RoundStatus, endPrice *float64, reason domain.EndReason, endedAt time.Time) (bool, error)
	ActiveRound(ctx context.Context, asset string) (*domain.Round, error)
	NonTerminalRounds(ctx context.Context) ([]*domain.Round, error)
	BetByOrderID(ctx context.Context, orderID string) (*domain.Bet, error)
	OpenBets(ctx context.Context, roundID uuid.UUID) ([]*domain.Bet, error)
	InsertBetFunded(ctx context.Context, bet *domain.Bet) (*domain.Bet, error)
	RefundBet(ctx context.Context, bet *domain.Bet) error
	User(ctx context.Context, id string) (*domain.User, error)
	PoolBalance(ctx context.Context, asset string) (domain.Cents, error)
}

// LockManager provides the Redis per-round and per-order mutual exclusion.
type LockManager interface {
	AcquireRoundLock(ctx context.Context, asset string) (token string, ok bool, err error)
	ReleaseRoundLock(ctx context.Context, asset, token string) (bool, error)
	AcquireBetLock(ctx context.Context, orderID string) (token string, ok bool, err error)
	ReleaseBetLock(ctx context.Context, orderID, token string) (bool, error)
}

// RiskManager reserves expected payouts against the per-round liability cap.
type RiskManager interface {
	MaxRoundPayout(poolBalance domain.Cents) domain.Cents
	ReserveExpectedPayout(ctx context.Context, roundID uuid.UUID, orderID string, expectedPayout, maxPayout domain.Cents) (*ReserveResult, error)
	ReleaseExpectedPayout(ctx context.Context, roundID uuid.UUID, orderID string) (bool, error)
}

// RateLimiter gates bet intake per user.
type RateLimiter interface {
	Allow(ctx context.Context, userID string) bool
}

// SnapshotBuffer records the price path for after-the-fact hit resolution.
type SnapshotBuffer interface {
	BufferSnapshot(roundID uuid.UUID, elapsed, price float64, rowIndex int, ts time.Time)
	FlushAll(ctx context.Context) error
}

// Settler drains settlement work produced by the tick loop.
type Settler interface {
	Enqueue(bet *domain.Bet, isWin bool, hit *domain.HitDetails)
	FlushQueue(ctx context.Context) bool
	CompensateUnsettledBets(ctx context.Context, roundID uuid.UUID) error
	ScheduleRetry(roundID uuid.UUID)
	ClearRound(roundID uuid.UUID)
}

// PriceFeed supplies the live market price driving row projection.
type PriceFeed interface {
	Latest() (price float64, at time.Time, ok bool)
	Subscribe(ch chan<- PriceEvent)
}

// Broadcaster fans engine events out to connected clients.
type Broadcaster interface {
	BroadcastRoundStart(round *domain.Round, bettingDuration, maxDuration time.Duration)
	BroadcastRoundTick(st domain.RoundState)
	BroadcastRoundEnd(roundID uuid.UUID, reason domain.EndReason)
	BroadcastBetPlaced(bet *domain.Bet)
	BroadcastPriceCriticalCancel(roundID uuid.UUID, detail string)
}

// ──────────────────────────────────────────────────────────────────────────────
// RoundEngine
// ──────────────────────────────────────────────────────────────────────────────

// RoundEngine owns the round lifecycle and all bet intake for one asset. All
// mutable round state lives on a single goroutine: public methods post
// closures to an inbox and wait for a reply, so state transitions, ticks and
// placements serialize without locks.
type RoundEngine struct {
	cfg         *config.Config
	store       RoundStore
	locks       LockManager
	risk        RiskManager
	limiter     RateLimiter
	snapshots   SnapshotBuffer
	settler     Settler
	feed        PriceFeed
	broadcaster Broadcaster
	rdb         *redis.Client // best-effort active-bet set; may be nil

	inbox   chan func()
	priceCh chan PriceEvent
	stopC   chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	// Current round's done channel, read by the scheduler. Guarded separately
	// because it is the one piece of state read off the actor goroutine.
	doneMu    sync.Mutex
	roundDone chan struct{}

	// Everything below is owned by the run() goroutine.
	round         *domain.Round
	roundToken    string
	elapsed       float64
	currentPrice  float64
	currentRow    int
	activeBets    map[string]*domain.Bet // keyed by bet id
	byOrder       map[string]string      // orderId -> bet id
	perUser       map[string]int
	pending       betHeap
	seq           uint64
	bettingTimer  *time.Timer
	lastBroadcast time.Time
	ending        bool
	priceLost     bool
}

func NewRoundEngine(
	cfg *config.Config,
	store RoundStore,
	locks LockManager,
	risk RiskManager,
	limiter RateLimiter,
	snapshots SnapshotBuffer,
	settler Settler,
	feed PriceFeed,
	rdb *redis.Client,
) *RoundEngine {
	closed := make(chan struct{})
	close(closed)
	return &RoundEngine{
		cfg:        cfg,
		store:      store,
		locks:      locks,
		risk:       risk,
		limiter:    limiter,
		snapshots:  snapshots,
		settler:    settler,
		feed:       feed,
		rdb:        rdb,
		inbox:      make(chan func(), 256),
		priceCh:    make(chan PriceEvent, 64),
		stopC:      make(chan struct{}),
		roundDone:  closed,
		activeBets: make(map[string]*domain.Bet),
		byOrder:    make(map[string]string),
		perUser:    make(map[string]int),
	}
}

// SetBroadcaster injects the WebSocket hub after construction (the hub needs
// the engine for inbound bets, so the two are wired in two steps).
func (e *RoundEngine) SetBroadcaster(b Broadcaster) { e.broadcaster = b }

// Start launches the actor goroutine and subscribes to price-feed events.
func (e *RoundEngine) Start() {
	e.feed.Subscribe(e.priceCh)
	e.wg.Add(1)
	go e.run()
}

// Stop cancels any active round with reason "shutdown", flushes buffered
// snapshots, and terminates the actor. Safe to call once.
func (e *RoundEngine) Stop() {
	e.stopped.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
		defer cancel()
		_ = e.exec(ctx, func() {
			if e.round != nil {
				e.cancelCurrent(ctx, domain.EndReasonShutdown, "server shutting down")
			}
		})
		if err := e.snapshots.FlushAll(ctx); err != nil {
			log.Printf("[engine] final snapshot flush failed: %v", err)
		}
		close(e.stopC)
		e.wg.Wait()
	})
}

func (e *RoundEngine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Game.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopC:
			return
		case fn := <-e.inbox:
			fn()
		case <-ticker.C:
			e.tick()
		case ev := <-e.priceCh:
			if ev.Type == PriceEventCritical {
				e.handlePriceCritical(ev.Reason)
			}
		}
	}
}

// exec posts fn to the actor and waits for it to run. If ctx expires after
// the closure was enqueued it may still execute later; callers relying on
// side effects must be idempotent (bet intake is, via orderId).
func (e *RoundEngine) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case e.inbox <- wrapped:
	case <-e.stopC:
		return domain.ErrNoActiveRound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is exec without the reply wait, for timer callbacks.
func (e *RoundEngine) post(fn func()) {
	select {
	case e.inbox <- fn:
	case <-e.stopC:
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// StartRound opens a new round in the BETTING state. Fails with
// ErrPriceUnavailable when no fresh price exists and ErrRoundActive when a
// round is already live (here, on another node holding the Redis lock, or as
// an unreconciled row).
func (e *RoundEngine) StartRound(ctx context.Context) (*domain.Round, error) {
	var (
		round *domain.Round
		rerr  error
	)
	if err := e.exec(ctx, func() {
		round, rerr = e.startRound(ctx)
	}); err != nil {
		return nil, err
	}
	return round, rerr
}

func (e *RoundEngine) startRound(ctx context.Context) (*domain.Round, error) {
	if e.round != nil {
		return nil, domain.ErrRoundActive
	}
	price, _, ok := e.feed.Latest()
	if !ok {
		return nil, domain.ErrPriceUnavailable
	}

	asset := e.cfg.Game.Asset
	token, acquired, err := e.locks.AcquireRoundLock(ctx, asset)
	if err != nil {
		// Redis down: the partial unique index on rounds is the final gate.
		log.Printf("[engine] round lock unavailable, relying on store: %v", err)
		token = ""
	} else if !acquired {
		return nil, domain.ErrRoundActive
	}

	now := time.Now().UTC()
	round := &domain.Round{
		ID:            uuid.New(),
		Asset:         asset,
		Status:        domain.RoundBetting,
		StartPrice:    price,
		StartedAt:     now,
		BettingEndsAt: now.Add(e.cfg.Game.BettingDuration),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateRound(ctx, round); err != nil {
		e.releaseRoundLock(asset, token)
		return nil, err
	}

	e.round = round
	e.roundToken = token
	e.elapsed = 0
	e.currentPrice = price
	e.currentRow = e.cfg.Game.Grid.CenterRow()
	e.activeBets = make(map[string]*domain.Bet)
	e.byOrder = make(map[string]string)
	e.perUser = make(map[string]int)
	e.pending = e.pending[:0]
	e.seq = 0
	e.lastBroadcast = time.Time{}
	e.ending = false
	e.priceLost = false

	e.doneMu.Lock()
	e.roundDone = make(chan struct{})
	e.doneMu.Unlock()

	id := round.ID
	e.bettingTimer = time.AfterFunc(e.cfg.Game.BettingDuration, func() {
		e.post(func() { e.closeBetting(id) })
	})

	if e.broadcaster != nil {
		e.broadcaster.BroadcastRoundStart(round, e.cfg.Game.BettingDuration, e.cfg.Game.MaxDuration)
	}
	log.Printf("[engine] round %s started asset=%s startPrice=%.2f", round.ID, asset, price)
	return round, nil
}

// closeBetting moves the round from BETTING to RUNNING when the betting
// window elapses. The durable row is re-read first so a transition applied
// elsewhere (crash recovery on another node) just syncs the projection.
func (e *RoundEngine) closeBetting(roundID uuid.UUID) {
	if e.round == nil || e.round.ID != roundID || e.round.Status != domain.RoundBetting {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := e.store.RoundStatus(ctx, roundID)
	if err != nil {
		log.Printf("[engine] round %s status read failed, closing betting in memory: %v", roundID, err)
	} else if status != domain.RoundBetting {
		e.round.Status = status
		return
	} else if _, err := e.store.TransitionRound(ctx, roundID, domain.RoundBetting, domain.RoundRunning); err != nil {
		log.Printf("[engine] round %s BETTING->RUNNING transition failed: %v", roundID, err)
	}
	e.round.Status = domain.RoundRunning
}

// EndRound settles the active round now. Used by the back office (reason
// "manual"); the tick loop calls the same path with reason "timeout".
func (e *RoundEngine) EndRound(ctx context.Context, reason domain.EndReason) error {
	var rerr error
	if err := e.exec(ctx, func() {
		if e.round == nil {
			rerr = domain.ErrNoActiveRound
			return
		}
		e.finishCurrent(ctx, reason)
	}); err != nil {
		return err
	}
	return rerr
}

// CancelRound voids the active round and refunds every open bet.
func (e *RoundEngine) CancelRound(ctx context.Context, reason domain.EndReason, detail string) error {
	var rerr error
	if err := e.exec(ctx, func() {
		if e.round == nil {
			rerr = domain.ErrNoActiveRound
			return
		}
		e.cancelCurrent(ctx, reason, detail)
	}); err != nil {
		return err
	}
	return rerr
}

// RoundDone returns a channel closed when the current round reaches a
// terminal state. When no round is active the returned channel is already
// closed.
func (e *RoundEngine) RoundDone() <-chan struct{} {
	e.doneMu.Lock()
	defer e.doneMu.Unlock()
	return e.roundDone
}

// CurrentState returns the live projection of the active round.
func (e *RoundEngine) CurrentState(ctx context.Context) (domain.RoundState, error) {
	var (
		st   domain.RoundState
		rerr error
	)
	if err := e.exec(ctx, func() {
		if e.round == nil {
			rerr = domain.ErrNoActiveRound
			return
		}
		st = e.projection()
	}); err != nil {
		return domain.RoundState{}, err
	}
	return st, rerr
}

func (e *RoundEngine) projection() domain.RoundState {
	return domain.RoundState{
		RoundID:      e.round.ID,
		Asset:        e.round.Asset,
		Status:       e.round.Status,
		StartPrice:   e.round.StartPrice,
		StartedAt:    e.round.StartedAt,
		Elapsed:      e.elapsed,
		CurrentPrice: e.currentPrice,
		CurrentRow:   e.currentRow,
		ActiveBets:   len(e.activeBets),
	}
}

// RecoverOrphanRounds compensates rounds left non-terminal by a previous
// process: open bets settle from persisted snapshots (refund when none cover
// the cell window) and the round closes with reason "crash". Called once at
// boot before the engine starts.
func (e *RoundEngine) RecoverOrphanRounds(ctx context.Context) error {
	rounds, err := e.store.NonTerminalRounds(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal rounds: %w", err)
	}
	for _, r := range rounds {
		log.Printf("[engine] reconciling orphan round %s (status %s)", r.ID, r.Status)
		if err := e.settler.CompensateUnsettledBets(ctx, r.ID); err != nil {
			log.Printf("[engine] orphan round %s compensation failed: %v", r.ID, err)
			e.settler.ScheduleRetry(r.ID)
		}
		if _, err := e.store.FinishRound(ctx, r.ID, domain.RoundEnded, r.EndPrice, domain.EndReasonCrash, time.Now().UTC()); err != nil {
			return fmt.Errorf("finish orphan round %s: %w", r.ID, err)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Tick loop
// ──────────────────────────────────────────────────────────────────────────────

func (e *RoundEngine) tick() {
	if e.round == nil || e.ending || e.round.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	e.elapsed = e.round.Elapsed(now)

	price, _, ok := e.feed.Latest()
	if !ok {
		// Latest() reports stale after priceStaleWindow; one trigger is enough.
		if !e.priceLost {
			e.priceLost = true
			log.Printf("[engine] round %s lost the price feed, cancelling", e.round.ID)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			e.cancelCurrent(ctx, domain.EndReasonPriceCritical, "price feed stale")
			cancel()
		}
		return
	}
	e.priceLost = false
	e.currentPrice = price
	e.currentRow = e.cfg.Game.Grid.RowForPrice(e.round.StartPrice, price)

	if e.round.Status == domain.RoundRunning || e.round.Status == domain.RoundBetting {
		e.snapshots.BufferSnapshot(e.round.ID, e.elapsed, price, e.currentRow, now)
	}

	e.advancePending()

	if e.broadcaster != nil && now.Sub(e.lastBroadcast) >= e.cfg.Game.TickBroadcast {
		e.lastBroadcast = now
		e.broadcaster.BroadcastRoundTick(e.projection())
	}

	if e.elapsed >= e.cfg.Game.MaxDuration.Seconds() {
		e.ending = true
		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
		e.finishCurrent(ctx, domain.EndReasonTimeout)
		cancel()
	}
}

// advancePending resolves bets whose cell window the clock has reached: a
// win the instant the price row matches inside the window, a loss once the
// window has fully passed. Bets whose window is open but unmatched stay on
// the heap for later ticks.
func (e *RoundEngine) advancePending() {
	tol := e.cfg.Game.HitRowTolerance
	for {
		item, ok := e.pending.peek()
		if !ok || item.targetTime > e.elapsed+domain.HitTimeTolerance {
			return
		}
		bet, live := e.activeBets[item.betID]
		if !live {
			e.pending.pop()
			continue
		}
		rowHit := absFloat(float64(bet.TargetRow-e.currentRow)) <= tol
		timeHit := absFloat(bet.TargetTime-e.elapsed) <= domain.HitTimeTolerance
		switch {
		case rowHit && timeHit:
			e.pending.pop()
			e.resolveBet(bet, true, &domain.HitDetails{
				Price: e.currentPrice,
				Row:   e.currentRow,
				Time:  e.elapsed,
			})
		case e.elapsed > bet.TargetTime+domain.HitTimeTolerance:
			e.pending.pop()
			e.resolveBet(bet, false, nil)
		default:
			// Window open, no row match yet; wait for the next tick.
			return
		}
	}
}

func (e *RoundEngine) resolveBet(bet *domain.Bet, isWin bool, hit *domain.HitDetails) {
	delete(e.activeBets, bet.ID.String())
	delete(e.byOrder, bet.OrderID)
	if n := e.perUser[bet.UserID]; n <= 1 {
		delete(e.perUser, bet.UserID)
	} else {
		e.perUser[bet.UserID] = n - 1
	}
	e.settler.Enqueue(bet, isWin, hit)
}

func (e *RoundEngine) handlePriceCritical(reason string) {
	if e.round == nil || e.ending {
		return
	}
	log.Printf("[engine] price critical event: %s", reason)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.cancelCurrent(ctx, domain.EndReasonPriceCritical, reason)
}

// ──────────────────────────────────────────────────────────────────────────────
// Round termination (actor context)
// ──────────────────────────────────────────────────────────────────────────────

// finishCurrent runs the settle path: stop intake, flush the price path,
// drain settlement, compensate anything still open, persist the terminal row,
// and only then announce round:end. A snapshot-flush failure downgrades the
// reason to "crash" because in-window resolution can no longer be trusted.
func (e *RoundEngine) finishCurrent(ctx context.Context, reason domain.EndReason) {
	round := e.round
	e.ending = true
	e.stopBettingTimer()

	if _, err := e.store.TransitionRound(ctx, round.ID, round.Status, domain.RoundSettling); err != nil {
		log.Printf("[engine] round %s transition to SETTLING failed: %v", round.ID, err)
	}
	round.Status = domain.RoundSettling

	if err := e.snapshots.FlushAll(ctx); err != nil {
		log.Printf("[engine] round %s snapshot flush failed: %v", round.ID, err)
		if reason != domain.EndReasonShutdown {
			reason = domain.EndReasonCrash
		}
	}

	if !e.settler.FlushQueue(ctx) {
		log.Printf("[engine] round %s settlement queue did not drain in time", round.ID)
	}
	if err := e.settler.CompensateUnsettledBets(ctx, round.ID); err != nil {
		log.Printf("[engine] round %s compensation failed, scheduling retry: %v", round.ID, err)
		e.settler.ScheduleRetry(round.ID)
	}

	endPrice := e.currentPrice
	if _, err := e.store.FinishRound(ctx, round.ID, domain.RoundEnded, &endPrice, reason, time.Now().UTC()); err != nil {
		log.Printf("[engine] round %s finish write failed: %v", round.ID, err)
	}

	e.teardownRound(round, reason)
}

// cancelCurrent refunds every open bet and voids the round. The per-bet
// refund is transactional; a bet that settled concurrently is skipped.
func (e *RoundEngine) cancelCurrent(ctx context.Context, reason domain.EndReason, detail string) {
	round := e.round
	e.ending = true
	e.stopBettingTimer()

	if _, err := e.store.TransitionRound(ctx, round.ID, round.Status, domain.RoundCancelled); err != nil {
		log.Printf("[engine] round %s transition to CANCELLED failed: %v", round.ID, err)
	}

	for _, bet := range e.openBetsUnion(ctx, round.ID) {
		if err := e.store.RefundBet(ctx, bet); err != nil {
			if errors.Is(err, domain.ErrBetSettled) {
				continue
			}
			log.Printf("[engine] round %s refund of bet %s failed: %v", round.ID, bet.OrderID, err)
			continue
		}
		if !bet.IsPlayMode {
			if _, err := e.risk.ReleaseExpectedPayout(ctx, round.ID, bet.OrderID); err != nil {
				log.Printf("[engine] risk release for %s failed: %v", bet.OrderID, err)
			}
		}
	}

	if err := e.snapshots.FlushAll(ctx); err != nil {
		log.Printf("[engine] round %s snapshot flush on cancel failed: %v", round.ID, err)
	}

	endPrice := e.currentPrice
	if _, err := e.store.FinishRound(ctx, round.ID, domain.RoundCancelled, &endPrice, reason, time.Now().UTC()); err != nil {
		log.Printf("[engine] round %s cancel write failed: %v", round.ID, err)
	}

	if reason == domain.EndReasonPriceCritical && e.broadcaster != nil {
		e.broadcaster.BroadcastPriceCriticalCancel(round.ID, detail)
	}
	// Clients see a price-critical cancel as a plain cancel plus the
	// dedicated event above; the stored row keeps the precise reason.
	announced := reason
	if announced == domain.EndReasonPriceCritical {
		announced = domain.EndReasonCancel
	}
	e.teardownRound(round, announced)
}

// openBetsUnion merges the in-memory active set with the store's open bets so
// a refund pass misses nothing even if the projection drifted.
func (e *RoundEngine) openBetsUnion(ctx context.Context, roundID uuid.UUID) []*domain.Bet {
	byID := make(map[string]*domain.Bet, len(e.activeBets))
	for id, b := range e.activeBets {
		byID[id] = b
	}
	stored, err := e.store.OpenBets(ctx, roundID)
	if err != nil {
		log.Printf("[engine] open-bet listing for %s failed: %v", roundID, err)
	}
	for _, b := range stored {
		byID[b.ID.String()] = b
	}
	out := make([]*domain.Bet, 0, len(byID))
	for _, b := range byID {
		out = append(out, b)
	}
	return out
}

func (e *RoundEngine) teardownRound(round *domain.Round, reason domain.EndReason) {
	e.releaseRoundLock(round.Asset, e.roundToken)
	e.settler.ClearRound(round.ID)
	if e.rdb != nil {
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		e.rdb.Del(bg, activeBetsKey(round.ID))
		cancel()
	}

	e.round = nil
	e.roundToken = ""
	e.activeBets = make(map[string]*domain.Bet)
	e.byOrder = make(map[string]string)
	e.perUser = make(map[string]int)
	e.pending = e.pending[:0]
	e.ending = false

	if e.broadcaster != nil {
		e.broadcaster.BroadcastRoundEnd(round.ID, reason)
	}
	log.Printf("[engine] round %s closed reason=%s", round.ID, reason)

	e.doneMu.Lock()
	close(e.roundDone)
	e.doneMu.Unlock()
}

func (e *RoundEngine) stopBettingTimer() {
	if e.bettingTimer != nil {
		e.bettingTimer.Stop()
		e.bettingTimer = nil
	}
}

func (e *RoundEngine) releaseRoundLock(asset, token string) {
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	released, err := e.locks.ReleaseRoundLock(ctx, asset, token)
	if err != nil {
		log.Printf("[engine] round lock release failed: %v", err)
	} else if !released {
		log.Printf("[engine] round lock for %s was not ours at release (token rotated?)", asset)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Bet intake
// ──────────────────────────────────────────────────────────────────────────────

// PlaceBet validates, funds and registers a wager on the active round. The
// orderId makes the call idempotent: replaying it returns the original
// receipt, while reuse by a different user is rejected.
func (e *RoundEngine) PlaceBet(ctx context.Context, userID string, req domain.BetRequest) (*domain.BetReceipt, error) {
	var (
		receipt *domain.BetReceipt
		rerr    error
	)
	if err := e.exec(ctx, func() {
		receipt, rerr = e.placeBet(ctx, userID, req)
	}); err != nil {
		return nil, err
	}
	return receipt, rerr
}

func (e *RoundEngine) placeBet(ctx context.Context, userID string, req domain.BetRequest) (*domain.BetReceipt, error) {
	// 1. Round gate: active, accepting, and the durable row agrees.
	round := e.round
	if round == nil {
		return nil, domain.ErrNoActiveRound
	}
	if !round.AcceptsBets() {
		return nil, domain.ErrBettingClosed
	}
	status, err := e.store.RoundStatus(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	if status != domain.RoundBetting {
		round.Status = status
		return nil, domain.ErrBettingClosed
	}

	// 2. Request shape.
	orderID := req.TrimmedOrderID()
	if orderID == "" || len(orderID) > 64 {
		return nil, domain.ErrInvalidAmount
	}
	amount, ok := domain.CentsFromFloat(req.Amount)
	if !ok || amount < e.cfg.Game.MinBet || amount > e.cfg.Game.MaxBet {
		return nil, domain.ErrInvalidAmount
	}
	maxDur := e.cfg.Game.MaxDuration.Seconds()
	if req.TargetTime <= e.elapsed+e.cfg.Game.MinTargetOffset {
		return nil, domain.ErrTargetTimePassed
	}
	if req.TargetTime > maxDur || !e.cfg.Game.Grid.RowInBounds(req.TargetRow) {
		return nil, domain.ErrInvalidAmount
	}

	// 3. Caller gate: anonymous players exist only in play mode; registered
	// users must be in good standing.
	if domain.IsAnonymousUser(userID) {
		if !req.IsPlayMode {
			return nil, domain.ErrUserNotFound
		}
	} else {
		user, err := e.store.User(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := user.CanBet(); err != nil {
			return nil, err
		}
	}

	// 4. Rate limit.
	if !e.limiter.Allow(ctx, userID) {
		return nil, domain.ErrRateLimited
	}

	// 5. Idempotency: the projection first, then the store.
	if betID, seen := e.byOrder[orderID]; seen {
		if bet := e.activeBets[betID]; bet != nil {
			if bet.UserID != userID {
				return nil, domain.ErrDuplicateBet
			}
			r := bet.ToReceipt()
			return &r, nil
		}
	}
	if existing, err := e.store.BetByOrderID(ctx, orderID); err == nil {
		return e.replayExisting(existing, userID)
	} else if !errors.Is(err, domain.ErrBetNotFound) {
		return nil, err
	}

	// 6. Per-round caps.
	if e.perUser[userID] >= e.cfg.Game.MaxBetsPerUser {
		return nil, domain.ErrMaxBetsReached
	}
	if limit := e.cfg.Game.MaxActiveBets; limit > 0 && len(e.activeBets) >= limit {
		return nil, domain.ErrMaxBetsReached
	}

	// 7. Per-order lock. On contention re-check the store (the other holder
	// may have just written the row); on Redis failure proceed lock-free and
	// let the unique index arbitrate.
	lockToken, locked, err := e.locks.AcquireBetLock(ctx, orderID)
	if err != nil {
		log.Printf("[engine] bet lock unavailable for %s: %v", orderID, err)
		lockToken = ""
	} else if !locked {
		if existing, err := e.store.BetByOrderID(ctx, orderID); err == nil {
			return e.replayExisting(existing, userID)
		}
		return nil, domain.ErrDuplicateBet
	}
	defer e.releaseBetLock(orderID, lockToken)

	// 8. Price the cell and reserve the liability.
	multiplier := domain.CellMultiplier(e.cfg.Game.Curve, e.cfg.Game.Grid, req.TargetRow, req.TargetTime, maxDur)
	bet := &domain.Bet{
		ID:         uuid.New(),
		OrderID:    orderID,
		UserID:     userID,
		RoundID:    round.ID,
		Amount:     amount,
		Multiplier: multiplier,
		TargetRow:  req.TargetRow,
		TargetTime: req.TargetTime,
		IsPlayMode: req.IsPlayMode,
		Status:     domain.BetStatusPending,
		PlacedAt:   time.Now().UTC(),
	}

	reserved := false
	if !bet.IsPlayMode {
		poolBalance, err := e.store.PoolBalance(ctx, round.Asset)
		if err != nil {
			return nil, err
		}
		res, err := e.risk.ReserveExpectedPayout(ctx, round.ID, orderID, bet.ExpectedPayout(), e.risk.MaxRoundPayout(poolBalance))
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			// Risk-cap rejections surface as INVALID_AMOUNT: the stake, not
			// the bet count, is what the client must change.
			return nil, domain.ErrInvalidAmount
		}
		reserved = res.DidReserve
	}

	// 9. Fund and persist atomically.
	stored, err := e.store.InsertBetFunded(ctx, bet)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateBet) && stored != nil {
			if reserved {
				_, _ = e.risk.ReleaseExpectedPayout(ctx, round.ID, orderID)
			}
			return e.replayExisting(stored, userID)
		}
		if reserved {
			_, _ = e.risk.ReleaseExpectedPayout(ctx, round.ID, orderID)
		}
		return nil, err
	}

	// 10. Register in the projection and announce.
	e.activeBets[bet.ID.String()] = bet
	e.byOrder[orderID] = bet.ID.String()
	e.perUser[userID]++
	e.seq++
	e.pending.push(bet.ID.String(), bet.TargetTime, e.seq)

	if e.rdb != nil {
		bg, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		e.rdb.ZAdd(bg, activeBetsKey(round.ID), redis.Z{
			Score:  float64(bet.PlacedAt.UnixMilli()),
			Member: orderID,
		})
		cancel()
	}
	if e.broadcaster != nil {
		e.broadcaster.BroadcastBetPlaced(bet)
	}

	r := bet.ToReceipt()
	return &r, nil
}

// replayExisting resolves an idempotent retry against the persisted bet.
func (e *RoundEngine) replayExisting(existing *domain.Bet, userID string) (*domain.BetReceipt, error) {
	if existing.UserID != userID {
		return nil, domain.ErrDuplicateBet
	}
	// Rehydrate an open bet from this round that fell out of the projection
	// (possible after a crash-restart inside the round window).
	if e.round != nil && existing.RoundID == e.round.ID && existing.IsOpen() {
		id := existing.ID.String()
		if _, tracked := e.activeBets[id]; !tracked {
			e.activeBets[id] = existing
			e.byOrder[existing.OrderID] = id
			e.perUser[existing.UserID]++
			e.seq++
			e.pending.push(id, existing.TargetTime, e.seq)
		}
	}
	r := existing.ToReceipt()
	return &r, nil
}

func (e *RoundEngine) releaseBetLock(orderID, token string) {
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	released, err := e.locks.ReleaseBetLock(ctx, orderID, token)
	if err != nil {
		log.Printf("[engine] bet lock release for %s failed: %v", orderID, err)
	} else if !released {
		log.Printf("[engine] bet lock for %s expired before release", orderID)
	}
}

func activeBetsKey(roundID uuid.UUID) string {
	return "active_bets:" + roundID.String()
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
