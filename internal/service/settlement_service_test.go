package service

import (
	"context"
	"sync"
	"testing"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

func resolveFixture() *SettlementService {
	cfg := &config.Config{}
	cfg.Game.HitRowTolerance = 1
	return &SettlementService{cfg: cfg}
}

func snap(elapsed float64, row int, price float64) *domain.PriceSnapshot {
	return &domain.PriceSnapshot{Elapsed: elapsed, RowIndex: row, Price: price}
}

func TestResolveHitBySnapshots_SingleSample(t *testing.T) {
	s := resolveFixture()
	bet := &domain.Bet{TargetRow: 6, TargetTime: 10}

	cases := []struct {
		name    string
		row     int
		wantWin bool
	}{
		{"exact row", 6, true},
		{"within tolerance", 7, true},
		{"outside tolerance", 8, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			isWin, hit := s.resolveHitBySnapshots(bet, []*domain.PriceSnapshot{snap(10, tc.row, 50_000)}, nil)
			if isWin != tc.wantWin {
				t.Fatalf("isWin = %v, want %v", isWin, tc.wantWin)
			}
			if tc.wantWin {
				if hit == nil || hit.Row != tc.row || hit.UsedFallback {
					t.Fatalf("hit = %+v", hit)
				}
			} else if hit != nil {
				t.Fatalf("loss carried hit details: %+v", hit)
			}
		})
	}
}

func TestResolveHitBySnapshots_PairSpansTarget(t *testing.T) {
	s := resolveFixture()
	bet := &domain.Bet{TargetRow: 5, TargetTime: 10}

	// Consecutive samples jump from row 2 to row 7: the price crossed the
	// target row between ticks even though no sample landed on it.
	snaps := []*domain.PriceSnapshot{
		snap(9.8, 2, 49_900),
		snap(10.1, 7, 50_200),
	}
	isWin, hit := s.resolveHitBySnapshots(bet, snaps, nil)
	if !isWin {
		t.Fatal("crossing pair should resolve as a win")
	}
	if hit.Row != 7 || hit.Time != 10.1 {
		t.Fatalf("hit = %+v, want second sample of the pair", hit)
	}
}

func TestResolveHitBySnapshots_PairMissesTarget(t *testing.T) {
	s := resolveFixture()
	bet := &domain.Bet{TargetRow: 9, TargetTime: 10}

	snaps := []*domain.PriceSnapshot{
		snap(9.7, 3, 49_950),
		snap(10.0, 4, 50_000),
		snap(10.3, 5, 50_050),
	}
	if isWin, _ := s.resolveHitBySnapshots(bet, snaps, nil); isWin {
		t.Fatal("rows 3..5 with tolerance 1 must not reach row 9")
	}
}

func TestResolveHitBySnapshots_IgnoresOutOfWindowSamples(t *testing.T) {
	s := resolveFixture()
	bet := &domain.Bet{TargetRow: 6, TargetTime: 10}

	// The matching sample sits outside [9.5, 10.5]; the in-window one misses.
	snaps := []*domain.PriceSnapshot{
		snap(7.0, 6, 50_100),
		snap(10.0, 2, 49_800),
	}
	if isWin, _ := s.resolveHitBySnapshots(bet, snaps, nil); isWin {
		t.Fatal("sample outside the cell window must not count")
	}
}

func TestResolveHitBySnapshots_FallbackToLastSample(t *testing.T) {
	s := resolveFixture()
	bet := &domain.Bet{TargetRow: 6, TargetTime: 25}

	last := snap(18.2, 6, 50_150)
	isWin, hit := s.resolveHitBySnapshots(bet, nil, last)
	if !isWin {
		t.Fatal("last sample on the target row should win via fallback")
	}
	if hit == nil || !hit.UsedFallback {
		t.Fatalf("hit = %+v, want fallback flag set", hit)
	}

	if isWin, _ := s.resolveHitBySnapshots(&domain.Bet{TargetRow: 0, TargetTime: 25}, nil, last); isWin {
		t.Fatal("fallback row far from target must lose")
	}
}

func TestResolveHitBySnapshots_NoData(t *testing.T) {
	s := resolveFixture()
	bet := &domain.Bet{TargetRow: 5, TargetTime: 10}

	if isWin, hit := s.resolveHitBySnapshots(bet, nil, nil); isWin || hit != nil {
		t.Fatalf("no snapshots at all must lose, got %v/%+v", isWin, hit)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Batch settlement — fakes
// ──────────────────────────────────────────────────────────────────────────────

type settledRow struct {
	status domain.BetStatus
	payout domain.Cents
}

type fakeSettleStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]settledRow
	already map[uuid.UUID]bool // SettleBet returns ErrBetSettled
	stats   map[string]domain.StatsDelta
	deltas  []domain.Cents
	commits int
}

func newFakeSettleStore() *fakeSettleStore {
	return &fakeSettleStore{
		rows:    make(map[uuid.UUID]settledRow),
		already: make(map[uuid.UUID]bool),
		stats:   make(map[string]domain.StatsDelta),
	}
}

func (f *fakeSettleStore) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if err := fn(nil); err != nil {
		return err
	}
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
	return nil
}

func (f *fakeSettleStore) MarkSettling(ctx context.Context, ids []uuid.UUID) error { return nil }

func (f *fakeSettleStore) SettleBet(ctx context.Context, tx *sqlx.Tx, betID uuid.UUID, status domain.BetStatus, payout domain.Cents, hit *domain.HitDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.already[betID] {
		return domain.ErrBetSettled
	}
	f.rows[betID] = settledRow{status: status, payout: payout}
	return nil
}

func (f *fakeSettleStore) OpenBetsByRound(ctx context.Context, roundID uuid.UUID) ([]*domain.Bet, error) {
	return nil, nil
}

func (f *fakeSettleStore) CountOpenBets(ctx context.Context, roundID uuid.UUID) (int, error) {
	return 0, nil
}

func (f *fakeSettleStore) ApplyStatsDelta(ctx context.Context, tx *sqlx.Tx, userID string, d domain.StatsDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg := f.stats[userID]
	agg.Bets += d.Bets
	agg.Wins += d.Wins
	agg.Losses += d.Losses
	agg.Profit += d.Profit
	f.stats[userID] = agg
	return nil
}

func (f *fakeSettleStore) ApplyPoolDelta(ctx context.Context, tx *sqlx.Tx, asset string, delta domain.Cents) (domain.Cents, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, delta)
	return 0, nil
}

type fakeSettleLedger struct {
	mu      sync.Mutex
	batches map[string][]BalanceChange
	singles []BalanceChange
}

func (f *fakeSettleLedger) ChangeBalance(ctx context.Context, tx *sqlx.Tx, change BalanceChange) (*ChangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles = append(f.singles, change)
	return &ChangeResult{Success: true}, nil
}

func (f *fakeSettleLedger) BatchChangeBalance(ctx context.Context, tx *sqlx.Tx, userID string, changes []BalanceChange) (*ChangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[userID] = append(f.batches[userID], changes...)
	return &ChangeResult{Success: true}, nil
}

type fakeReleaser struct {
	mu     sync.Mutex
	orders []string
}

func (f *fakeReleaser) ReleaseExpectedPayout(ctx context.Context, roundID uuid.UUID, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, orderID)
	return true, nil
}

// settledEvent captures what the wire payload would carry: the bet's fields
// are read at broadcast time, exactly as the hub does.
type settledEvent struct {
	betID  uuid.UUID
	isWin  bool
	payout domain.Cents
	status domain.BetStatus
	hit    *domain.HitDetails
}

type fakeSettleNotifier struct {
	mu     sync.Mutex
	events []settledEvent
}

func (f *fakeSettleNotifier) BroadcastBetSettled(bet *domain.Bet, isWin bool, hit *domain.HitDetails) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, settledEvent{
		betID:  bet.ID,
		isWin:  isWin,
		payout: bet.Payout,
		status: bet.Status,
		hit:    hit,
	})
}

func (f *fakeSettleNotifier) event(betID uuid.UUID) (settledEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.betID == betID {
			return ev, true
		}
	}
	return settledEvent{}, false
}

func settleFixture() (*SettlementService, *fakeSettleStore, *fakeSettleLedger, *fakeReleaser, *fakeSettleNotifier) {
	cfg := &config.Config{}
	cfg.Game.Asset = "BTCUSDT"
	cfg.Game.HitRowTolerance = 1

	store := newFakeSettleStore()
	ledger := &fakeSettleLedger{batches: make(map[string][]BalanceChange)}
	risk := &fakeReleaser{}
	notifier := &fakeSettleNotifier{}

	svc := NewSettlementService(store, nil, ledger, risk, cfg)
	svc.SetNotifier(notifier)
	return svc, store, ledger, risk, notifier
}

func settleTestBet(userID, orderID string, roundID uuid.UUID, amount domain.Cents, mult string, play bool) *domain.Bet {
	return &domain.Bet{
		ID:         uuid.New(),
		OrderID:    orderID,
		UserID:     userID,
		RoundID:    roundID,
		Amount:     amount,
		Multiplier: decimal.RequireFromString(mult),
		TargetRow:  6,
		TargetTime: 10,
		IsPlayMode: play,
		Status:     domain.BetStatusPending,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Batch settlement — tests
// ──────────────────────────────────────────────────────────────────────────────

func TestSettlementService_WinAndLossBatch(t *testing.T) {
	svc, store, ledger, risk, notifier := settleFixture()
	roundID := uuid.New()

	// alice: 5.00 at ×2.50 → 12.50 payout. bob: 3.00, no hit.
	win := settleTestBet("alice", "o-win", roundID, 5_00, "2.5", false)
	loss := settleTestBet("bob", "o-loss", roundID, 3_00, "3", false)
	hit := &domain.HitDetails{Price: 50_100, Row: 6, Time: 10.1}

	svc.Enqueue(win, true, hit)
	svc.Enqueue(loss, false, nil)
	if !svc.FlushQueue(context.Background()) {
		t.Fatal("queue did not drain")
	}

	// Durable rows.
	if row := store.rows[win.ID]; row.status != domain.BetStatusWon || row.payout != 12_50 {
		t.Fatalf("win row = %+v, want WON/12.50", row)
	}
	if row := store.rows[loss.ID]; row.status != domain.BetStatusLost || row.payout != 0 {
		t.Fatalf("loss row = %+v, want LOST/0", row)
	}

	// In-memory bets must match what was committed: the broadcast reads them.
	if win.Status != domain.BetStatusWon || win.Payout != 12_50 {
		t.Fatalf("in-memory win = %s/%d, want WON/1250", win.Status, win.Payout)
	}
	if win.SettledAt == nil || win.HitRow == nil || *win.HitRow != 6 {
		t.Fatalf("in-memory win missing settlement details: settledAt=%v hitRow=%v", win.SettledAt, win.HitRow)
	}
	if loss.Status != domain.BetStatusLost || loss.Payout != 0 {
		t.Fatalf("in-memory loss = %s/%d, want LOST/0", loss.Status, loss.Payout)
	}

	// One win credit for alice, nothing for bob.
	credits := ledger.batches["alice"]
	if len(credits) != 1 || credits[0].Amount != 12_50 || credits[0].Type != domain.TxWin {
		t.Fatalf("alice credits = %+v, want one WIN of 12.50", credits)
	}
	if len(ledger.batches["bob"]) != 0 {
		t.Fatalf("bob received credits: %+v", ledger.batches["bob"])
	}

	// Pool releases exactly the credited liability.
	if len(store.deltas) != 1 || store.deltas[0] != -12_50 {
		t.Fatalf("pool deltas = %v, want [-1250]", store.deltas)
	}

	// Stats per spec: +payout on win, −amount on loss.
	if s := store.stats["alice"]; s.Bets != 1 || s.Wins != 1 || s.Profit != 12_50 {
		t.Fatalf("alice stats = %+v", s)
	}
	if s := store.stats["bob"]; s.Bets != 1 || s.Losses != 1 || s.Profit != -3_00 {
		t.Fatalf("bob stats = %+v", s)
	}

	// Broadcast payloads carry the credited payout, not the pre-settlement zero.
	ev, ok := notifier.event(win.ID)
	if !ok || !ev.isWin || ev.payout != 12_50 || ev.status != domain.BetStatusWon {
		t.Fatalf("win event = %+v, want isWin/payout 12.50", ev)
	}
	if ev.hit == nil || ev.hit.Row != 6 {
		t.Fatalf("win event hit = %+v", ev.hit)
	}
	if ev, ok := notifier.event(loss.ID); !ok || ev.isWin || ev.payout != 0 {
		t.Fatalf("loss event = %+v, want loss with payout 0", ev)
	}

	// Both real-money reservations released.
	if len(risk.orders) != 2 {
		t.Fatalf("released orders = %v, want both", risk.orders)
	}
}

func TestSettlementService_PlayModeWin(t *testing.T) {
	svc, store, ledger, risk, notifier := settleFixture()
	roundID := uuid.New()

	bet := settleTestBet("anon-guest", "o-play", roundID, 4_00, "2", true)
	svc.Enqueue(bet, true, &domain.HitDetails{Price: 50_050, Row: 6, Time: 10})
	if !svc.FlushQueue(context.Background()) {
		t.Fatal("queue did not drain")
	}

	// Virtual credit only: no ledger batch, no pool movement, no stats,
	// no reservation to release.
	if len(ledger.singles) != 1 || !ledger.singles[0].IsPlayMode || ledger.singles[0].Amount != 8_00 {
		t.Fatalf("play credit = %+v, want one play-mode WIN of 8.00", ledger.singles)
	}
	if len(ledger.batches) != 0 {
		t.Fatalf("play win wrote real credits: %+v", ledger.batches)
	}
	if len(store.deltas) != 0 {
		t.Fatalf("play win moved the pool: %v", store.deltas)
	}
	if len(store.stats) != 0 {
		t.Fatalf("play win moved stats: %+v", store.stats)
	}
	if len(risk.orders) != 0 {
		t.Fatalf("play win released a reservation: %v", risk.orders)
	}

	if ev, ok := notifier.event(bet.ID); !ok || ev.payout != 8_00 {
		t.Fatalf("play event = %+v, want payout 8.00", ev)
	}
}

func TestSettlementService_SkipsAlreadySettled(t *testing.T) {
	svc, store, ledger, _, notifier := settleFixture()
	roundID := uuid.New()

	bet := settleTestBet("alice", "o-dup", roundID, 5_00, "2", false)
	store.already[bet.ID] = true

	svc.Enqueue(bet, true, nil)
	if !svc.FlushQueue(context.Background()) {
		t.Fatal("queue did not drain")
	}

	// Another path settled it first: no credit, no pool delta, no broadcast,
	// and the pending map does not leak the item.
	if len(ledger.batches) != 0 || len(ledger.singles) != 0 {
		t.Fatal("already-settled bet was credited again")
	}
	if len(store.deltas) != 0 {
		t.Fatalf("already-settled bet moved the pool: %v", store.deltas)
	}
	if _, ok := notifier.event(bet.ID); ok {
		t.Fatal("already-settled bet was broadcast")
	}
	if item := svc.pendingItem(bet.ID); item != nil {
		t.Fatal("skipped bet still in the pending map")
	}
}
