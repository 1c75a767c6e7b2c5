package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Feed events
// ──────────────────────────────────────────────────────────────────────────────

// PriceEventType distinguishes routine updates from feed failures.
type PriceEventType string

const (
	PriceEventUpdate   PriceEventType = "price"
	PriceEventCritical PriceEventType = "price_critical"
)

// PriceEvent is pushed to subscribers on every accepted price and whenever the
// watchdog declares the feed unusable. The engine cancels the active round on
// a critical event.
type PriceEvent struct {
	Type   PriceEventType
	Price  float64
	At     time.Time
	Reason string // set on critical events
}

const (
	exchangeBinance = "binance"
	exchangeBybit   = "bybit"
	exchangeOKX     = "okx"

	streamReconnectDelay  = 2 * time.Second
	priceWatchdogInterval = time.Second
)

// exchangeDef describes a single REST price source.
type exchangeDef struct {
	name   string
	weight decimal.Decimal // 0–100
	fetch  func(ctx context.Context) (decimal.Decimal, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// PriceService
// ──────────────────────────────────────────────────────────────────────────────

// PriceService feeds the engine the live price of the configured asset.
// Primary source is the Binance aggregated-trade stream; a weighted composite
// of Binance, Bybit and OKX REST tickers backs it up and cross-checks it. The
// engine pulls via Latest on every tick and subscribes for critical events.
type PriceService struct {
	client *http.Client
	cfg    *config.PriceConfig
	asset  string

	// last accepted price cell
	mu              sync.RWMutex
	lastPrice       float64
	lastAt          time.Time
	streamUp        bool
	lastComposite   float64
	lastCompositeAt time.Time
	criticalLatched bool

	subMu sync.Mutex
	subs  []chan<- PriceEvent

	// per-exchange last-success timestamp (for Status)
	statusMu    sync.RWMutex
	lastSuccess map[string]time.Time
	exchanges   []exchangeDef

	stopC   chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewPriceService constructs a PriceService for the configured asset.
func NewPriceService(cfg *config.Config) *PriceService {
	ps := &PriceService{
		client: &http.Client{Timeout: cfg.Price.FetchTimeout},
		cfg:    &cfg.Price,
		asset:  cfg.Game.Asset,
		lastSuccess: map[string]time.Time{
			exchangeBinance: {},
			exchangeBybit:   {},
			exchangeOKX:     {},
		},
		stopC: make(chan struct{}),
	}

	ps.exchanges = []exchangeDef{
		{
			name:   exchangeBinance,
			weight: decimal.NewFromInt(int64(cfg.Price.BinanceWeight)),
			fetch:  ps.fetchBinance,
		},
		{
			name:   exchangeBybit,
			weight: decimal.NewFromInt(int64(cfg.Price.BybitWeight)),
			fetch:  ps.fetchBybit,
		},
		{
			name:   exchangeOKX,
			weight: decimal.NewFromInt(int64(cfg.Price.OKXWeight)),
			fetch:  ps.fetchOKX,
		},
	}

	return ps
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// Start launches the stream, the REST poller, and the staleness watchdog.
func (ps *PriceService) Start() {
	if ps.started {
		return
	}
	ps.started = true

	if ps.cfg.StreamEnabled {
		ps.wg.Add(1)
		go ps.runStream()
	}
	ps.wg.Add(2)
	go ps.runPoller()
	go ps.runWatchdog()
}

// Stop shuts down all feed goroutines and waits for them.
func (ps *PriceService) Stop() {
	if !ps.started {
		return
	}
	close(ps.stopC)
	ps.wg.Wait()
}

// ──────────────────────────────────────────────────────────────────────────────
// Pull + event interface
// ──────────────────────────────────────────────────────────────────────────────

// Latest returns the most recent accepted price. ok is false until the first
// price arrives or once the price is older than the staleness window.
func (ps *PriceService) Latest() (price float64, at time.Time, ok bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.lastAt.IsZero() || time.Since(ps.lastAt) > ps.cfg.StaleWindow {
		return ps.lastPrice, ps.lastAt, false
	}
	return ps.lastPrice, ps.lastAt, true
}

// Subscribe registers a channel for feed events. Sends never block: a
// subscriber that falls behind loses events, so critical consumers must use a
// buffered channel.
func (ps *PriceService) Subscribe(ch chan<- PriceEvent) {
	ps.subMu.Lock()
	ps.subs = append(ps.subs, ch)
	ps.subMu.Unlock()
}

func (ps *PriceService) emit(ev PriceEvent) {
	ps.subMu.Lock()
	subs := make([]chan<- PriceEvent, len(ps.subs))
	copy(subs, ps.subs)
	ps.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// record accepts one price into the cell and notifies subscribers.
func (ps *PriceService) record(price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	now := time.Now()
	ps.mu.Lock()
	ps.lastPrice = price
	ps.lastAt = now
	ps.criticalLatched = false
	ps.mu.Unlock()

	ps.emit(PriceEvent{Type: PriceEventUpdate, Price: price, At: now})
}

// ──────────────────────────────────────────────────────────────────────────────
// Binance stream (primary source)
// ──────────────────────────────────────────────────────────────────────────────

// runStream keeps the aggregated-trade stream connected, reconnecting with a
// fixed delay whenever the library signals a dropped connection.
func (ps *PriceService) runStream() {
	defer ps.wg.Done()

	for {
		select {
		case <-ps.stopC:
			return
		default:
		}

		doneC, stopC, err := binance.WsAggTradeServe(ps.asset, ps.handleAggTrade, ps.handleStreamError)
		if err != nil {
			log.Printf("[price] stream connect failed: %v, retrying in %s", err, streamReconnectDelay)
			select {
			case <-ps.stopC:
				return
			case <-time.After(streamReconnectDelay):
			}
			continue
		}

		ps.setStreamUp(true)
		log.Printf("[price] %s agg-trade stream connected", ps.asset)

		select {
		case <-ps.stopC:
			stopC <- struct{}{}
			ps.setStreamUp(false)
			return
		case <-doneC:
			ps.setStreamUp(false)
			log.Printf("[price] stream disconnected, reconnecting in %s", streamReconnectDelay)
			select {
			case <-ps.stopC:
				return
			case <-time.After(streamReconnectDelay):
			}
		}
	}
}

func (ps *PriceService) handleAggTrade(event *binance.WsAggTradeEvent) {
	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil {
		return
	}
	ps.record(price)
}

func (ps *PriceService) handleStreamError(err error) {
	log.Printf("[price] stream error: %v", err)
}

func (ps *PriceService) setStreamUp(up bool) {
	ps.mu.Lock()
	ps.streamUp = up
	ps.mu.Unlock()
}

// ──────────────────────────────────────────────────────────────────────────────
// REST poller + watchdog
// ──────────────────────────────────────────────────────────────────────────────

// runPoller refreshes the weighted composite every poll interval. While the
// stream is fresh the composite only cross-checks it for deviation; once the
// stream degrades the composite feeds the price cell directly.
func (ps *PriceService) runPoller() {
	defer ps.wg.Done()

	ticker := time.NewTicker(ps.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ps.stopC:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), ps.cfg.FetchTimeout)
		composite, _, err := ps.GetWeightedPrice(ctx)
		cancel()
		if err != nil {
			log.Printf("[price] composite fetch failed: %v", err)
			continue
		}
		c := composite.InexactFloat64()

		ps.mu.Lock()
		ps.lastComposite = c
		ps.lastCompositeAt = time.Now()
		streamFresh := ps.streamUp && !ps.lastAt.IsZero() && time.Since(ps.lastAt) < ps.cfg.StaleWindow
		ps.mu.Unlock()

		if streamFresh {
			ps.checkDeviation(c)
		} else {
			ps.record(c)
		}
	}
}

// checkDeviation compares the stream price against the composite and raises a
// critical event when they diverge beyond the configured fraction. The latch
// keeps one outage from firing a critical per poll.
func (ps *PriceService) checkDeviation(composite float64) {
	if composite <= 0 {
		return
	}
	ps.mu.Lock()
	dev := math.Abs(ps.lastPrice-composite) / composite
	fire := dev > ps.cfg.DeviationMax && !ps.criticalLatched
	if fire {
		ps.criticalLatched = true
	}
	ps.mu.Unlock()

	if fire {
		reason := fmt.Sprintf("stream deviates %.2f%% from composite (max %.2f%%)",
			dev*100, ps.cfg.DeviationMax*100)
		log.Printf("[price] CRITICAL: %s", reason)
		ps.emit(PriceEvent{Type: PriceEventCritical, At: time.Now(), Reason: reason})
	}
}

// runWatchdog raises a critical event when no source has produced a price for
// longer than the staleness window.
func (ps *PriceService) runWatchdog() {
	defer ps.wg.Done()

	ticker := time.NewTicker(priceWatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ps.stopC:
			return
		case <-ticker.C:
		}

		ps.mu.Lock()
		stale := !ps.lastAt.IsZero() && time.Since(ps.lastAt) > ps.cfg.StaleWindow
		fire := stale && !ps.criticalLatched
		if fire {
			ps.criticalLatched = true
		}
		ps.mu.Unlock()

		if fire {
			reason := fmt.Sprintf("no price for more than %s", ps.cfg.StaleWindow)
			log.Printf("[price] CRITICAL: %s", reason)
			ps.emit(PriceEvent{Type: PriceEventCritical, At: time.Now(), Reason: reason})
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Weighted REST composite
// ──────────────────────────────────────────────────────────────────────────────

// GetWeightedPrice fetches the asset price from all configured exchanges in
// parallel and returns the weighted average, re-normalising the weights over
// the sources that answered. At least one source must succeed. The sources
// slice feeds the backoffice risk view.
func (ps *PriceService) GetWeightedPrice(ctx context.Context) (decimal.Decimal, []domain.PriceSource, error) {
	type result struct {
		name  string
		price decimal.Decimal
		err   error
	}

	fetchCtx, cancel := context.WithTimeout(ctx, ps.client.Timeout)
	defer cancel()

	resultCh := make(chan result, len(ps.exchanges))
	for _, ex := range ps.exchanges {
		ex := ex // capture
		go func() {
			p, err := ex.fetch(fetchCtx)
			resultCh <- result{name: ex.name, price: p, err: err}
		}()
	}

	rawResults := make(map[string]result, len(ps.exchanges))
	for range ps.exchanges {
		r := <-resultCh
		rawResults[r.name] = r
	}

	var sources []domain.PriceSource
	var sumWeighted, sumWeights decimal.Decimal
	now := time.Now()

	for _, ex := range ps.exchanges {
		r := rawResults[ex.name]
		if r.err != nil || r.price.IsZero() {
			continue
		}
		sources = append(sources, domain.PriceSource{
			Exchange:  ex.name,
			Price:     r.price,
			Weight:    ex.weight,
			FetchedAt: now,
		})
		sumWeighted = sumWeighted.Add(r.price.Mul(ex.weight))
		sumWeights = sumWeights.Add(ex.weight)

		ps.statusMu.Lock()
		ps.lastSuccess[ex.name] = now
		ps.statusMu.Unlock()
	}

	if len(sources) == 0 {
		return decimal.Zero, nil, fmt.Errorf("price_service: all exchange fetches failed")
	}

	return sumWeighted.Div(sumWeights), sources, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Status — backoffice risk view
// ──────────────────────────────────────────────────────────────────────────────

// SourceStatus summarises feed health.
type SourceStatus struct {
	StreamConnected bool            `json:"stream_connected"`
	LastPrice       float64         `json:"last_price"`
	LastUpdate      time.Time       `json:"last_update"`
	Composite       float64         `json:"composite"`
	Exchanges       map[string]bool `json:"exchanges"`
}

// Status reports feed health: stream connectivity, the last accepted price,
// the last composite, and per-exchange reachability within the last 5 s.
func (ps *PriceService) Status() SourceStatus {
	ps.mu.RLock()
	st := SourceStatus{
		StreamConnected: ps.streamUp,
		LastPrice:       ps.lastPrice,
		LastUpdate:      ps.lastAt,
		Composite:       ps.lastComposite,
	}
	ps.mu.RUnlock()

	threshold := 5 * time.Second
	ps.statusMu.RLock()
	st.Exchanges = make(map[string]bool, len(ps.lastSuccess))
	for name, t := range ps.lastSuccess {
		st.Exchanges[name] = !t.IsZero() && time.Since(t) < threshold
	}
	ps.statusMu.RUnlock()

	return st
}

// ──────────────────────────────────────────────────────────────────────────────
// Exchange fetchers
// ──────────────────────────────────────────────────────────────────────────────

// fetchBinance fetches the spot price from the Binance REST API.
//
//	GET /api/v3/ticker/price?symbol=BTCUSDT
//	{"symbol":"BTCUSDT","price":"87350.00"}
func (ps *PriceService) fetchBinance(ctx context.Context) (decimal.Decimal, error) {
	url := ps.cfg.BinanceURL + "/api/v3/ticker/price?symbol=" + ps.asset
	body, err := ps.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: %w", err)
	}

	var resp struct {
		Price string `json:"price"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("binance parse: %w", err)
	}
	if resp.Price == "" {
		return decimal.Zero, fmt.Errorf("binance: empty price field")
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance decimal: %w", err)
	}
	return price, nil
}

// fetchBybit fetches the spot price from the Bybit REST API.
//
//	GET /v5/market/tickers?category=spot&symbol=BTCUSDT
//	{"result":{"list":[{"lastPrice":"87350.00",...}]}}
func (ps *PriceService) fetchBybit(ctx context.Context) (decimal.Decimal, error) {
	url := ps.cfg.BybitURL + "/v5/market/tickers?category=spot&symbol=" + ps.asset
	body, err := ps.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bybit: %w", err)
	}

	var resp struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("bybit parse: %w", err)
	}
	if len(resp.Result.List) == 0 || resp.Result.List[0].LastPrice == "" {
		return decimal.Zero, fmt.Errorf("bybit: empty result list")
	}
	price, err := decimal.NewFromString(resp.Result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bybit decimal: %w", err)
	}
	return price, nil
}

// fetchOKX fetches the spot price from the OKX REST API.
//
//	GET /api/v5/market/ticker?instId=BTC-USDT
//	{"data":[{"last":"87350.00",...}]}
func (ps *PriceService) fetchOKX(ctx context.Context) (decimal.Decimal, error) {
	url := ps.cfg.OKXURL + "/api/v5/market/ticker?instId=" + okxInstID(ps.asset)
	body, err := ps.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx: %w", err)
	}

	var resp struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("okx parse: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].Last == "" {
		return decimal.Zero, fmt.Errorf("okx: empty data field")
	}
	price, err := decimal.NewFromString(resp.Data[0].Last)
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx decimal: %w", err)
	}
	return price, nil
}

// okxInstID converts a concatenated symbol like BTCUSDT into OKX's dashed
// instrument id BTC-USDT.
func okxInstID(asset string) string {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(asset, quote) && len(asset) > len(quote) {
			return asset[:len(asset)-len(quote)] + "-" + quote
		}
	}
	return asset
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP helper
// ──────────────────────────────────────────────────────────────────────────────

// doGet performs an HTTP GET with the service's client and returns the body
// bytes, or an error for any non-200 status code.
func (ps *PriceService) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "evetabi-gridstrike/1.0")

	resp, err := ps.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
