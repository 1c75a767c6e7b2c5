package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
//
// The engine's collaborators all sit behind narrow interfaces; these in-memory
// fakes record what the engine asked for so the tests can assert on it.
// ──────────────────────────────────────────────────────────────────────────────

type finishedRound struct {
	id     uuid.UUID
	status domain.RoundStatus
	reason domain.EndReason
}

type fakeStore struct {
	mu       sync.Mutex
	rounds   map[uuid.UUID]*domain.Round
	byOrder  map[string]*domain.Bet
	users    map[string]*domain.User
	pool     domain.Cents
	orphans  []*domain.Round
	finished []finishedRound
	refunded []string
	inserted int

	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rounds:  make(map[uuid.UUID]*domain.Round),
		byOrder: make(map[string]*domain.Bet),
		users:   make(map[string]*domain.User),
		pool:    10_000_00,
	}
}

func (s *fakeStore) CreateRound(_ context.Context, round *domain.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *round
	s.rounds[round.ID] = &cp
	return nil
}

func (s *fakeStore) RoundStatus(_ context.Context, id uuid.UUID) (domain.RoundStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return "", domain.ErrRoundNotFound
	}
	return r.Status, nil
}

func (s *fakeStore) TransitionRound(_ context.Context, id uuid.UUID, from, to domain.RoundStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	return true, nil
}

func (s *fakeStore) FinishRound(_ context.Context, id uuid.UUID, status domain.RoundStatus, _ *float64, reason domain.EndReason, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rounds[id]; ok {
		r.Status = status
	}
	s.finished = append(s.finished, finishedRound{id: id, status: status, reason: reason})
	return true, nil
}

func (s *fakeStore) ActiveRound(_ context.Context, asset string) (*domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rounds {
		if r.Asset == asset && !r.Status.IsTerminal() {
			return r, nil
		}
	}
	return nil, domain.ErrRoundNotFound
}

func (s *fakeStore) NonTerminalRounds(_ context.Context) ([]*domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orphans, nil
}

func (s *fakeStore) BetByOrderID(_ context.Context, orderID string) (*domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byOrder[orderID]
	if !ok {
		return nil, domain.ErrBetNotFound
	}
	return b, nil
}

func (s *fakeStore) OpenBets(_ context.Context, roundID uuid.UUID) ([]*domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Bet
	for _, b := range s.byOrder {
		if b.RoundID == roundID && b.IsOpen() {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertBetFunded(_ context.Context, bet *domain.Bet) (*domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	if existing, ok := s.byOrder[bet.OrderID]; ok {
		return existing, domain.ErrDuplicateBet
	}
	cp := *bet
	s.byOrder[bet.OrderID] = &cp
	s.inserted++
	return &cp, nil
}

func (s *fakeStore) RefundBet(_ context.Context, bet *domain.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.byOrder[bet.OrderID]; ok {
		b.Status = domain.BetStatusRefunded
	}
	s.refunded = append(s.refunded, bet.OrderID)
	return nil
}

func (s *fakeStore) User(_ context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}

func (s *fakeStore) PoolBalance(_ context.Context, _ string) (domain.Cents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool, nil
}

func (s *fakeStore) refunds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.refunded...)
}

func (s *fakeStore) terminal() []finishedRound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]finishedRound(nil), s.finished...)
}

type fakeLocks struct {
	mu           sync.Mutex
	denyRound    bool
	denyBet      bool
	roundRelease int
	betRelease   int
}

func (l *fakeLocks) AcquireRoundLock(_ context.Context, _ string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyRound {
		return "", false, nil
	}
	return "round-token", true, nil
}

func (l *fakeLocks) ReleaseRoundLock(_ context.Context, _, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roundRelease++
	return true, nil
}

func (l *fakeLocks) AcquireBetLock(_ context.Context, _ string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyBet {
		return "", false, nil
	}
	return "bet-token", true, nil
}

func (l *fakeLocks) ReleaseBetLock(_ context.Context, _, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.betRelease++
	return true, nil
}

type fakeRisk struct {
	mu       sync.Mutex
	deny     bool
	reserved []string
	released []string
}

func (r *fakeRisk) MaxRoundPayout(poolBalance domain.Cents) domain.Cents {
	return poolBalance / 10
}

func (r *fakeRisk) ReserveExpectedPayout(_ context.Context, _ uuid.UUID, orderID string, _, _ domain.Cents) (*service.ReserveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deny {
		return &service.ReserveResult{Allowed: false}, nil
	}
	r.reserved = append(r.reserved, orderID)
	return &service.ReserveResult{Allowed: true, DidReserve: true}, nil
}

func (r *fakeRisk) ReleaseExpectedPayout(_ context.Context, _ uuid.UUID, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, orderID)
	return true, nil
}

func (r *fakeRisk) releases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released...)
}

type fakeLimiter struct{ deny bool }

func (l *fakeLimiter) Allow(_ context.Context, _ string) bool { return !l.deny }

type fakeSnapshots struct {
	mu      sync.Mutex
	flushes int
}

func (s *fakeSnapshots) BufferSnapshot(_ uuid.UUID, _, _ float64, _ int, _ time.Time) {}

func (s *fakeSnapshots) FlushAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

type settledItem struct {
	orderID string
	isWin   bool
}

type fakeSettler struct {
	mu          sync.Mutex
	enqueued    []settledItem
	compensated []uuid.UUID
	cleared     []uuid.UUID
	flushed     int
}

func (s *fakeSettler) Enqueue(bet *domain.Bet, isWin bool, _ *domain.HitDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, settledItem{orderID: bet.OrderID, isWin: isWin})
}

func (s *fakeSettler) FlushQueue(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed++
	return true
}

func (s *fakeSettler) CompensateUnsettledBets(_ context.Context, roundID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compensated = append(s.compensated, roundID)
	return nil
}

func (s *fakeSettler) ScheduleRetry(_ uuid.UUID) {}

func (s *fakeSettler) ClearRound(roundID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, roundID)
}

type fakeFeed struct {
	mu    sync.Mutex
	price float64
	ok    bool
}

func (f *fakeFeed) Latest() (float64, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, time.Now(), f.ok
}

func (f *fakeFeed) Subscribe(_ chan<- service.PriceEvent) {}

// ──────────────────────────────────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────────────────────────────────

type engineFixture struct {
	engine  *service.RoundEngine
	store   *fakeStore
	locks   *fakeLocks
	risk    *fakeRisk
	limiter *fakeLimiter
	snaps   *fakeSnapshots
	settler *fakeSettler
	feed    *fakeFeed
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Game = config.GameConfig{
		Asset:           "BTCUSDT",
		BettingDuration: time.Hour, // keep the window open for the whole test
		MaxDuration:     30 * time.Second,
		TickInterval:    time.Hour, // ticks are driven explicitly, never by clock
		TickBroadcast:   time.Hour,
		MinBet:          1_00,
		MaxBet:          1000_00,
		MaxBetsPerUser:  20,
		MinTargetOffset: 1,
		HitRowTolerance: 1,
		Grid:            domain.GridSpec{Rows: 11, Sensitivity: 2000},
		Curve:           domain.DefaultMultiplierCurve(),
	}
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:   newFakeStore(),
		locks:   &fakeLocks{},
		risk:    &fakeRisk{},
		limiter: &fakeLimiter{},
		snaps:   &fakeSnapshots{},
		settler: &fakeSettler{},
		feed:    &fakeFeed{price: 50_000, ok: true},
	}
	f.store.users["alice"] = &domain.User{ID: "alice", Username: "alice", Role: domain.RoleUser, IsActive: true}
	f.engine = service.NewRoundEngine(cfg, f.store, f.locks, f.risk, f.limiter, f.snaps, f.settler, f.feed, nil)
	f.engine.Start()
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *engineFixture) startRound(t *testing.T) *domain.Round {
	t.Helper()
	round, err := f.engine.StartRound(context.Background())
	if err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	return round
}

func betReq(orderID string) domain.BetRequest {
	return domain.BetRequest{OrderID: orderID, TargetRow: 6, TargetTime: 10, Amount: 5}
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

func TestRoundEngine_StartRound(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	round := f.startRound(t)
	if round.Status != domain.RoundBetting {
		t.Fatalf("status = %s, want BETTING", round.Status)
	}
	if round.StartPrice != 50_000 {
		t.Fatalf("startPrice = %v, want 50000", round.StartPrice)
	}
	if _, err := f.store.RoundStatus(ctx, round.ID); err != nil {
		t.Fatalf("round row missing: %v", err)
	}

	if _, err := f.engine.StartRound(ctx); !errors.Is(err, domain.ErrRoundActive) {
		t.Fatalf("second start err = %v, want ErrRoundActive", err)
	}
}

func TestRoundEngine_StartRound_NoPrice(t *testing.T) {
	f := newFixture(t, testConfig())
	f.feed.mu.Lock()
	f.feed.ok = false
	f.feed.mu.Unlock()

	if _, err := f.engine.StartRound(context.Background()); !errors.Is(err, domain.ErrPriceUnavailable) {
		t.Fatalf("err = %v, want ErrPriceUnavailable", err)
	}
}

func TestRoundEngine_StartRound_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t, testConfig())
	f.locks.denyRound = true

	if _, err := f.engine.StartRound(context.Background()); !errors.Is(err, domain.ErrRoundActive) {
		t.Fatalf("err = %v, want ErrRoundActive", err)
	}
}

func TestRoundEngine_EndRound_Manual(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	round := f.startRound(t)
	done := f.engine.RoundDone()

	if err := f.engine.EndRound(ctx, domain.EndReasonManual); err != nil {
		t.Fatalf("EndRound: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RoundDone not closed after EndRound")
	}

	term := f.store.terminal()
	if len(term) != 1 || term[0].id != round.ID {
		t.Fatalf("finished rounds = %+v", term)
	}
	if term[0].status != domain.RoundEnded || term[0].reason != domain.EndReasonManual {
		t.Fatalf("terminal row = %+v, want ENDED/manual", term[0])
	}
	if f.settler.flushed == 0 {
		t.Fatal("settlement queue was not flushed")
	}
	if _, err := f.engine.CurrentState(ctx); !errors.Is(err, domain.ErrNoActiveRound) {
		t.Fatalf("CurrentState after end err = %v, want ErrNoActiveRound", err)
	}
	if err := f.engine.EndRound(ctx, domain.EndReasonManual); !errors.Is(err, domain.ErrNoActiveRound) {
		t.Fatalf("EndRound twice err = %v, want ErrNoActiveRound", err)
	}
}

func TestRoundEngine_CancelRound_RefundsOpenBets(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.startRound(t)

	if _, err := f.engine.PlaceBet(ctx, "alice", betReq("real-1")); err != nil {
		t.Fatalf("place real bet: %v", err)
	}
	play := betReq("play-1")
	play.IsPlayMode = true
	if _, err := f.engine.PlaceBet(ctx, "anon-visitor", play); err != nil {
		t.Fatalf("place play bet: %v", err)
	}

	if err := f.engine.CancelRound(ctx, domain.EndReasonCancel, "operator"); err != nil {
		t.Fatalf("CancelRound: %v", err)
	}

	refunds := f.store.refunds()
	if len(refunds) != 2 {
		t.Fatalf("refunds = %v, want both bets", refunds)
	}
	// Only the real-money bet carried a risk reservation.
	if rel := f.risk.releases(); len(rel) != 1 || rel[0] != "real-1" {
		t.Fatalf("risk releases = %v, want [real-1]", rel)
	}

	term := f.store.terminal()
	if len(term) != 1 || term[0].status != domain.RoundCancelled || term[0].reason != domain.EndReasonCancel {
		t.Fatalf("terminal row = %+v, want CANCELLED/cancel", term)
	}
	if got, err := f.store.BetByOrderID(ctx, "real-1"); err != nil || got.Status != domain.BetStatusRefunded {
		t.Fatalf("real-1 status = %v/%v, want REFUNDED", got, err)
	}
}

func TestRoundEngine_RecoverOrphanRounds(t *testing.T) {
	f := newFixture(t, testConfig())
	orphan := &domain.Round{ID: uuid.New(), Asset: "BTCUSDT", Status: domain.RoundRunning}
	f.store.mu.Lock()
	f.store.orphans = []*domain.Round{orphan}
	f.store.rounds[orphan.ID] = orphan
	f.store.mu.Unlock()

	if err := f.engine.RecoverOrphanRounds(context.Background()); err != nil {
		t.Fatalf("RecoverOrphanRounds: %v", err)
	}

	f.settler.mu.Lock()
	compensated := append([]uuid.UUID(nil), f.settler.compensated...)
	f.settler.mu.Unlock()
	if len(compensated) != 1 || compensated[0] != orphan.ID {
		t.Fatalf("compensated = %v, want [%s]", compensated, orphan.ID)
	}

	term := f.store.terminal()
	if len(term) != 1 || term[0].status != domain.RoundEnded || term[0].reason != domain.EndReasonCrash {
		t.Fatalf("terminal row = %+v, want ENDED/crash", term)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Bet intake
// ──────────────────────────────────────────────────────────────────────────────

func TestRoundEngine_PlaceBet_NoRound(t *testing.T) {
	f := newFixture(t, testConfig())
	if _, err := f.engine.PlaceBet(context.Background(), "alice", betReq("o-1")); !errors.Is(err, domain.ErrNoActiveRound) {
		t.Fatalf("err = %v, want ErrNoActiveRound", err)
	}
}

func TestRoundEngine_PlaceBet_Validation(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.startRound(t)

	f.store.mu.Lock()
	f.store.users["banned"] = &domain.User{ID: "banned", Role: domain.RoleUser, IsActive: false}
	f.store.users["muted"] = &domain.User{ID: "muted", Role: domain.RoleUser, IsActive: true, IsSilenced: true}
	f.store.mu.Unlock()

	longOrder := make([]byte, 65)
	for i := range longOrder {
		longOrder[i] = 'x'
	}

	cases := []struct {
		name    string
		userID  string
		mutate  func(*domain.BetRequest)
		wantErr error
	}{
		{"empty order id", "alice", func(r *domain.BetRequest) { r.OrderID = "   " }, domain.ErrInvalidAmount},
		{"order id too long", "alice", func(r *domain.BetRequest) { r.OrderID = string(longOrder) }, domain.ErrInvalidAmount},
		{"amount below min", "alice", func(r *domain.BetRequest) { r.Amount = 0.5 }, domain.ErrInvalidAmount},
		{"amount above max", "alice", func(r *domain.BetRequest) { r.Amount = 1001 }, domain.ErrInvalidAmount},
		{"target too soon", "alice", func(r *domain.BetRequest) { r.TargetTime = 0.5 }, domain.ErrTargetTimePassed},
		{"target beyond round", "alice", func(r *domain.BetRequest) { r.TargetTime = 31 }, domain.ErrInvalidAmount},
		{"row below grid", "alice", func(r *domain.BetRequest) { r.TargetRow = -1 }, domain.ErrInvalidAmount},
		{"row above grid", "alice", func(r *domain.BetRequest) { r.TargetRow = 11 }, domain.ErrInvalidAmount},
		{"anon real money", "anon-guest", func(r *domain.BetRequest) { r.IsPlayMode = false }, domain.ErrUserNotFound},
		{"unknown user", "ghost", nil, domain.ErrUserNotFound},
		{"banned user", "banned", nil, domain.ErrUserBanned},
		{"silenced user", "muted", nil, domain.ErrUserSilenced},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := betReq("case-" + string(rune('a'+i)))
			if tc.mutate != nil {
				tc.mutate(&req)
			}
			if _, err := f.engine.PlaceBet(ctx, tc.userID, req); !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if f.store.inserted != 0 {
		t.Fatalf("inserted = %d, want 0 for rejected requests", f.store.inserted)
	}
}

func TestRoundEngine_PlaceBet_Success(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	round := f.startRound(t)

	receipt, err := f.engine.PlaceBet(ctx, "alice", betReq("o-1"))
	if err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	if receipt.RoundID != round.ID || receipt.OrderID != "o-1" {
		t.Fatalf("receipt = %+v", receipt)
	}
	if !receipt.Multiplier.IsPositive() {
		t.Fatalf("multiplier = %s, want > 0", receipt.Multiplier)
	}
	if receipt.Amount.InexactFloat64() != 5 {
		t.Fatalf("amount = %s, want 5", receipt.Amount)
	}

	st, err := f.engine.CurrentState(ctx)
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	if st.ActiveBets != 1 {
		t.Fatalf("activeBets = %d, want 1", st.ActiveBets)
	}
	if f.store.inserted != 1 {
		t.Fatalf("inserted = %d, want 1", f.store.inserted)
	}
}

func TestRoundEngine_PlaceBet_IdempotentReplay(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.startRound(t)

	first, err := f.engine.PlaceBet(ctx, "alice", betReq("o-dup"))
	if err != nil {
		t.Fatalf("first place: %v", err)
	}
	replay, err := f.engine.PlaceBet(ctx, "alice", betReq("o-dup"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.BetID != first.BetID {
		t.Fatalf("replay bet id = %s, want %s", replay.BetID, first.BetID)
	}
	if f.store.inserted != 1 {
		t.Fatalf("inserted = %d, want 1 (replay must not re-fund)", f.store.inserted)
	}
}

func TestRoundEngine_PlaceBet_OrderIDCrossUser(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.startRound(t)

	f.store.mu.Lock()
	f.store.users["bob"] = &domain.User{ID: "bob", Role: domain.RoleUser, IsActive: true}
	f.store.mu.Unlock()

	if _, err := f.engine.PlaceBet(ctx, "alice", betReq("o-shared")); err != nil {
		t.Fatalf("alice place: %v", err)
	}
	if _, err := f.engine.PlaceBet(ctx, "bob", betReq("o-shared")); !errors.Is(err, domain.ErrDuplicateBet) {
		t.Fatalf("bob replay err = %v, want ErrDuplicateBet", err)
	}
}

func TestRoundEngine_PlaceBet_PerUserCap(t *testing.T) {
	cfg := testConfig()
	cfg.Game.MaxBetsPerUser = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.startRound(t)

	for _, id := range []string{"c-1", "c-2"} {
		if _, err := f.engine.PlaceBet(ctx, "alice", betReq(id)); err != nil {
			t.Fatalf("place %s: %v", id, err)
		}
	}
	if _, err := f.engine.PlaceBet(ctx, "alice", betReq("c-3")); !errors.Is(err, domain.ErrMaxBetsReached) {
		t.Fatalf("err = %v, want ErrMaxBetsReached", err)
	}
}

func TestRoundEngine_PlaceBet_RateLimited(t *testing.T) {
	f := newFixture(t, testConfig())
	f.startRound(t)
	f.limiter.deny = true

	if _, err := f.engine.PlaceBet(context.Background(), "alice", betReq("o-1")); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestRoundEngine_PlaceBet_RiskCapRejects(t *testing.T) {
	f := newFixture(t, testConfig())
	f.startRound(t)
	f.risk.deny = true

	_, err := f.engine.PlaceBet(context.Background(), "alice", betReq("o-1"))
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
	if code := domain.CodeOf(err); code != "INVALID_AMOUNT" {
		t.Fatalf("wire code = %s, want INVALID_AMOUNT", code)
	}
	if f.store.inserted != 0 {
		t.Fatal("bet was funded despite risk rejection")
	}
}

func TestRoundEngine_PlaceBet_PlayModeSkipsRisk(t *testing.T) {
	f := newFixture(t, testConfig())
	f.startRound(t)
	f.risk.deny = true // would reject any real-money bet

	req := betReq("play-1")
	req.IsPlayMode = true
	if _, err := f.engine.PlaceBet(context.Background(), "anon-guest", req); err != nil {
		t.Fatalf("play bet err = %v, want nil", err)
	}
}

func TestRoundEngine_PlaceBet_BettingClosedDurably(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	round := f.startRound(t)

	// Another node moved the durable row on; the projection must resync and
	// reject instead of taking money for a running round.
	if _, err := f.store.TransitionRound(ctx, round.ID, domain.RoundBetting, domain.RoundRunning); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.PlaceBet(ctx, "alice", betReq("late-1")); !errors.Is(err, domain.ErrBettingClosed) {
		t.Fatalf("err = %v, want ErrBettingClosed", err)
	}
}

func TestRoundEngine_PlaceBet_LockContentionReplaysStored(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	round := f.startRound(t)

	// Simulate the other lock holder having already written the row.
	stored := &domain.Bet{
		ID:         uuid.New(),
		OrderID:    "contended",
		UserID:     "alice",
		RoundID:    round.ID,
		Amount:     5_00,
		TargetRow:  6,
		TargetTime: 10,
		Status:     domain.BetStatusPending,
	}
	f.store.mu.Lock()
	f.store.byOrder["contended"] = stored
	f.store.mu.Unlock()
	f.locks.denyBet = true

	receipt, err := f.engine.PlaceBet(ctx, "alice", betReq("contended"))
	if err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	if receipt.BetID != stored.ID {
		t.Fatalf("receipt bet id = %s, want stored %s", receipt.BetID, stored.ID)
	}
}
