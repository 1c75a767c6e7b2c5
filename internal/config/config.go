// Package config provides application configuration loaded from environment variables.
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                 string        // e.g. "8080"
	BackofficePort       string        // e.g. "8081"
	Env                  string        // "development" | "production"
	ReadTimeout          time.Duration // default 10s
	WriteTimeout         time.Duration // default 10s
	CORSAllowedOrigins   string        // comma-separated; "*" = any
	BackofficeAllowedIPs string        // comma-separated IPs; "" = allow all
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
}

// RedisConfig holds the connection settings for the coordination store
// (locks, risk reservations, rate limiting, active-bet sets).
type RedisConfig struct {
	Addr        string        // default "localhost:6379"
	Password    string        // default ""
	DB          int           // default 0
	DialTimeout time.Duration // default 2s
}

// JWTConfig holds JWT signing settings.
type JWTConfig struct {
	AccessSecret string        // must be set
	AccessTTL    time.Duration // default 15m (staff tokens)
	GuestTTL     time.Duration // default 24h (anonymous play sessions)
}

// GameConfig holds the round and bet intake parameters.
type GameConfig struct {
	Asset               string        // default "BTCUSDT"
	BettingDuration     time.Duration // betting window length, default 10s
	MaxDuration         time.Duration // hard round length, default 30s
	TickInterval        time.Duration // engine tick, default 100ms
	TickBroadcast       time.Duration // round:tick fan-out spacing, default 100ms
	MinBet              domain.Cents  // default 1.00
	MaxBet              domain.Cents  // default 1000.00
	MaxBetsPerUser      int           // per round, default 20
	MaxActiveBets       int           // process-wide cap; 0 = unlimited
	MinTargetOffset     float64       // seconds a target must lie ahead of elapsed, default 1
	HitRowTolerance     float64       // row distance counted as a hit, default 1
	AutoRoundGap        time.Duration // pause between auto rounds, default 5s
	Grid                domain.GridSpec
	Curve               domain.MultiplierCurve
	MultiplierCurvePath string // optional YAML override for Curve
}

// RiskConfig bounds the house liability per round.
type RiskConfig struct {
	// MaxRoundPayout is either a ratio of the house pool (values <= 1) or an
	// absolute display-currency cap (values > 1).
	MaxRoundPayout   float64       // default 0.5
	ReservationGrace time.Duration // reservation TTL beyond MaxDuration, default 60s
}

// SnapshotConfig tunes the price-path buffer.
type SnapshotConfig struct {
	MaxQueue         int           // buffered samples before the oldest drops, default 600
	FlushBatchSize   int           // rows per INSERT, default 500
	FlushRetryBase   time.Duration // first backoff step, default 1s
	FlushRetryMax    time.Duration // backoff ceiling, default 30s
	MinFlushInterval time.Duration // spacing between flushes, default 1s
}

// RateLimitConfig controls the per-user bet intake limiter.
type RateLimitConfig struct {
	Enabled      bool          // default true; false = always allow
	RedisEnabled bool          // default true; false = in-memory window only
	Prefix       string        // redis key prefix, default "ratelimit:"
	Window       time.Duration // sliding window width, default 1s
	MaxRequests  int           // bets allowed per window, default 5
	HTTPPerIPRPS float64       // public API per-IP refill rate, default 20
	HTTPPerIPCap int           // public API per-IP burst, default 40
}

// PriceConfig holds price feed settings: the Binance stream plus the weighted
// REST composite used as fallback and deviation check.
type PriceConfig struct {
	StreamEnabled bool          // default true
	BinanceURL    string        // default "https://api.binance.com"
	BybitURL      string        // default "https://api.bybit.com"
	OKXURL        string        // default "https://www.okx.com"
	FetchTimeout  time.Duration // default 2s
	PollInterval  time.Duration // REST fallback poll, default 1s
	StaleWindow   time.Duration // no price for this long cancels the round, default 3s
	DeviationMax  float64       // max |source−composite|/composite, default 0.05
	// Weight percentages (must sum to 100)
	BinanceWeight int // default 50
	BybitWeight   int // default 30
	OKXWeight     int // default 20
}

// PoolConfig seeds the house pool.
type PoolConfig struct {
	BootstrapBalance domain.Cents // opening balance for a fresh asset, default 100000.00
}

// WebhookConfig authenticates the payment gateway callback.
type WebhookConfig struct {
	RechargeSecret string // HMAC key; must be set in production
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Game      GameConfig
	Risk      RiskConfig
	Snapshot  SnapshotConfig
	RateLimit RateLimitConfig
	Price     PriceConfig
	Pool      PoolConfig
	Webhook   WebhookConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and valid.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set"))
	}
	if c.IsProd() && c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}
	if c.IsProd() && c.Webhook.RechargeSecret == "" {
		errs = append(errs, errors.New("RECHARGE_WEBHOOK_SECRET must be set in production"))
	}

	if c.Game.BettingDuration <= 0 || c.Game.MaxDuration <= 0 {
		errs = append(errs, errors.New("GAME_BETTING_DURATION and GAME_MAX_DURATION must be positive"))
	}
	if c.Game.BettingDuration >= c.Game.MaxDuration {
		errs = append(errs, fmt.Errorf(
			"GAME_BETTING_DURATION (%s) must be shorter than GAME_MAX_DURATION (%s)",
			c.Game.BettingDuration, c.Game.MaxDuration,
		))
	}
	if c.Game.TickInterval <= 0 {
		errs = append(errs, errors.New("GAME_TICK_INTERVAL must be positive"))
	}
	if c.Game.MinBet <= 0 || c.Game.MaxBet < c.Game.MinBet {
		errs = append(errs, fmt.Errorf(
			"bet bounds invalid: min=%s max=%s", c.Game.MinBet.Decimal(), c.Game.MaxBet.Decimal(),
		))
	}
	if c.Game.MaxBetsPerUser <= 0 {
		errs = append(errs, errors.New("GAME_MAX_BETS_PER_USER must be positive"))
	}
	if err := c.Game.Grid.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Game.Curve.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Risk.MaxRoundPayout <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ROUND_PAYOUT must be positive, got %v", c.Risk.MaxRoundPayout))
	}

	if c.RateLimit.Enabled && (c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0) {
		errs = append(errs, errors.New("rate limit window and max requests must be positive"))
	}

	total := c.Price.BinanceWeight + c.Price.BybitWeight + c.Price.OKXWeight
	if total != 100 {
		errs = append(errs, fmt.Errorf(
			"price weights must sum to 100, got %d (Binance=%d Bybit=%d OKX=%d)",
			total, c.Price.BinanceWeight, c.Price.BybitWeight, c.Price.OKXWeight,
		))
	}
	if c.Price.DeviationMax <= 0 || c.Price.DeviationMax >= 1 {
		errs = append(errs, fmt.Errorf(
			"PRICE_DEVIATION_MAX must be between 0 and 1 (exclusive), got %.4f", c.Price.DeviationMax,
		))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails — call this early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	// Best-effort .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	cfg.Server = ServerConfig{
		Port:                 getEnv("SERVER_PORT", "8080"),
		BackofficePort:       getEnv("BACKOFFICE_PORT", "8081"),
		Env:                  getEnv("ENVIRONMENT", "development"),
		ReadTimeout:          getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:         getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		CORSAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", "*"),
		BackofficeAllowedIPs: getEnv("BACKOFFICE_ALLOWED_IPS", ""),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "gridstrike"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}

	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}

	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	// ── Redis ─────────────────────────────────────────────────────────────────
	redisDB, err := getInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}
	cfg.Redis = RedisConfig{
		Addr:        getEnv("REDIS_ADDR", "localhost:6379"),
		Password:    getEnv("REDIS_PASSWORD", ""),
		DB:          redisDB,
		DialTimeout: getDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
	}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		AccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
		AccessTTL:    getDuration("JWT_ACCESS_TTL", 15*time.Minute),
		GuestTTL:     getDuration("JWT_GUEST_TTL", 24*time.Hour),
	}

	// ── Game ──────────────────────────────────────────────────────────────────
	minBet, err := getMoney("GAME_MIN_BET", 100)
	if err != nil {
		return nil, fmt.Errorf("GAME_MIN_BET: %w", err)
	}
	maxBet, err := getMoney("GAME_MAX_BET", 100000)
	if err != nil {
		return nil, fmt.Errorf("GAME_MAX_BET: %w", err)
	}
	maxPerUser, err := getInt("GAME_MAX_BETS_PER_USER", 20)
	if err != nil {
		return nil, fmt.Errorf("GAME_MAX_BETS_PER_USER: %w", err)
	}
	maxActive, err := getInt("MAX_ACTIVE_BETS", 0)
	if err != nil {
		return nil, fmt.Errorf("MAX_ACTIVE_BETS: %w", err)
	}
	minOffset, err := getFloat("GAME_MIN_TARGET_OFFSET", 1.0)
	if err != nil {
		return nil, fmt.Errorf("GAME_MIN_TARGET_OFFSET: %w", err)
	}
	hitTol, err := getFloat("GAME_HIT_TOLERANCE", 1.0)
	if err != nil {
		return nil, fmt.Errorf("GAME_HIT_TOLERANCE: %w", err)
	}
	gridRows, err := getInt("GRID_ROWS", 11)
	if err != nil {
		return nil, fmt.Errorf("GRID_ROWS: %w", err)
	}
	gridSens, err := getFloat("GRID_SENSITIVITY", 2000)
	if err != nil {
		return nil, fmt.Errorf("GRID_SENSITIVITY: %w", err)
	}

	cfg.Game = GameConfig{
		Asset:               getEnv("GAME_ASSET", "BTCUSDT"),
		BettingDuration:     getDuration("GAME_BETTING_DURATION", 10*time.Second),
		MaxDuration:         getDuration("GAME_MAX_DURATION", 30*time.Second),
		TickInterval:        getDuration("GAME_TICK_INTERVAL", 100*time.Millisecond),
		TickBroadcast:       getDuration("GAME_TICK_BROADCAST_INTERVAL", 100*time.Millisecond),
		MinBet:              minBet,
		MaxBet:              maxBet,
		MaxBetsPerUser:      maxPerUser,
		MaxActiveBets:       maxActive,
		MinTargetOffset:     minOffset,
		HitRowTolerance:     hitTol,
		AutoRoundGap:        getDuration("GAME_AUTO_ROUND_GAP", 5*time.Second),
		Grid:                domain.GridSpec{Rows: gridRows, Sensitivity: gridSens},
		Curve:               domain.DefaultMultiplierCurve(),
		MultiplierCurvePath: getEnv("MULTIPLIER_CURVE_PATH", ""),
	}
	if cfg.Game.MultiplierCurvePath != "" {
		curve, err := loadCurveFile(cfg.Game.MultiplierCurvePath, cfg.Game.Curve)
		if err != nil {
			return nil, fmt.Errorf("MULTIPLIER_CURVE_PATH: %w", err)
		}
		cfg.Game.Curve = curve
	}

	// ── Risk ──────────────────────────────────────────────────────────────────
	maxRoundPayout, err := getFloat("MAX_ROUND_PAYOUT", 0.5)
	if err != nil {
		return nil, fmt.Errorf("MAX_ROUND_PAYOUT: %w", err)
	}
	cfg.Risk = RiskConfig{
		MaxRoundPayout:   maxRoundPayout,
		ReservationGrace: getDuration("RISK_RESERVATION_GRACE", time.Minute),
	}

	// ── Snapshots ─────────────────────────────────────────────────────────────
	maxQueue, err := getInt("MAX_SNAPSHOT_QUEUE", 600)
	if err != nil {
		return nil, fmt.Errorf("MAX_SNAPSHOT_QUEUE: %w", err)
	}
	flushBatch, err := getInt("SNAPSHOT_FLUSH_BATCH_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_FLUSH_BATCH_SIZE: %w", err)
	}
	retryBase, err := getInt("SNAPSHOT_FLUSH_RETRY_BASE_MS", 1000)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_FLUSH_RETRY_BASE_MS: %w", err)
	}
	retryMax, err := getInt("SNAPSHOT_FLUSH_RETRY_MAX_MS", 30000)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_FLUSH_RETRY_MAX_MS: %w", err)
	}
	cfg.Snapshot = SnapshotConfig{
		MaxQueue:         maxQueue,
		FlushBatchSize:   flushBatch,
		FlushRetryBase:   time.Duration(retryBase) * time.Millisecond,
		FlushRetryMax:    time.Duration(retryMax) * time.Millisecond,
		MinFlushInterval: getDuration("SNAPSHOT_MIN_FLUSH_INTERVAL", time.Second),
	}

	// ── Rate limiting ─────────────────────────────────────────────────────────
	rlEnabled, err := getBool("RATE_LIMIT_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_ENABLED: %w", err)
	}
	rlRedis, err := getBool("RATE_LIMIT_REDIS_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_REDIS_ENABLED: %w", err)
	}
	windowMs, err := getInt("REDIS_SAMPLE_MS", 1000)
	if err != nil {
		return nil, fmt.Errorf("REDIS_SAMPLE_MS: %w", err)
	}
	maxPerWindow, err := getInt("GAME_MAX_BETS_PER_SECOND", 5)
	if err != nil {
		return nil, fmt.Errorf("GAME_MAX_BETS_PER_SECOND: %w", err)
	}
	httpRPS, err := getFloat("HTTP_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("HTTP_RATE_LIMIT_RPS: %w", err)
	}
	httpBurst, err := getInt("HTTP_RATE_LIMIT_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("HTTP_RATE_LIMIT_BURST: %w", err)
	}
	cfg.RateLimit = RateLimitConfig{
		Enabled:      rlEnabled,
		RedisEnabled: rlRedis,
		Prefix:       getEnv("RATE_LIMIT_REDIS_PREFIX", "ratelimit:"),
		Window:       time.Duration(windowMs) * time.Millisecond,
		MaxRequests:  maxPerWindow,
		HTTPPerIPRPS: httpRPS,
		HTTPPerIPCap: httpBurst,
	}

	// ── Price feed ────────────────────────────────────────────────────────────
	streamEnabled, err := getBool("PRICE_STREAM_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("PRICE_STREAM_ENABLED: %w", err)
	}
	binW, err := getInt("PRICE_BINANCE_WEIGHT", 50)
	if err != nil {
		return nil, fmt.Errorf("PRICE_BINANCE_WEIGHT: %w", err)
	}
	byW, err := getInt("PRICE_BYBIT_WEIGHT", 30)
	if err != nil {
		return nil, fmt.Errorf("PRICE_BYBIT_WEIGHT: %w", err)
	}
	okxW, err := getInt("PRICE_OKX_WEIGHT", 20)
	if err != nil {
		return nil, fmt.Errorf("PRICE_OKX_WEIGHT: %w", err)
	}
	deviation, err := getFloat("PRICE_DEVIATION_MAX", 0.05)
	if err != nil {
		return nil, fmt.Errorf("PRICE_DEVIATION_MAX: %w", err)
	}
	cfg.Price = PriceConfig{
		StreamEnabled: streamEnabled,
		BinanceURL:    getEnv("PRICE_BINANCE_URL", "https://api.binance.com"),
		BybitURL:      getEnv("PRICE_BYBIT_URL", "https://api.bybit.com"),
		OKXURL:        getEnv("PRICE_OKX_URL", "https://www.okx.com"),
		FetchTimeout:  getDuration("PRICE_FETCH_TIMEOUT", 2*time.Second),
		PollInterval:  getDuration("PRICE_POLL_INTERVAL", time.Second),
		StaleWindow:   getDuration("PRICE_STALE_WINDOW", 3*time.Second),
		DeviationMax:  deviation,
		BinanceWeight: binW,
		BybitWeight:   byW,
		OKXWeight:     okxW,
	}

	// ── House pool ────────────────────────────────────────────────────────────
	poolSeed, err := getMoney("HOUSE_POOL_BALANCE", 10000000)
	if err != nil {
		return nil, fmt.Errorf("HOUSE_POOL_BALANCE: %w", err)
	}
	cfg.Pool = PoolConfig{BootstrapBalance: poolSeed}

	// ── Webhook ───────────────────────────────────────────────────────────────
	cfg.Webhook = WebhookConfig{
		RechargeSecret: getEnv("RECHARGE_WEBHOOK_SECRET", ""),
	}

	return cfg, nil
}

// loadCurveFile reads a YAML multiplier curve, starting from base so the file
// may override only some fields.
func loadCurveFile(path string, base domain.MultiplierCurve) (domain.MultiplierCurve, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read %q: %w", path, err)
	}
	curve := base
	if err := yaml.Unmarshal(data, &curve); err != nil {
		return base, fmt.Errorf("parse %q: %w", path, err)
	}
	return curve, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}

// getMoney parses a display-currency env value (e.g. "10" or "2.50") into
// cents. defaultCents is used when the variable is unset.
func getMoney(key string, defaultCents domain.Cents) (domain.Cents, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultCents, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", v)
	}
	c, ok := domain.CentsFromFloat(f)
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", v)
	}
	return c, nil
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or empty.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Log warning and fall back to default; do not crash on parse error
		return defaultVal
	}
	return d
}
