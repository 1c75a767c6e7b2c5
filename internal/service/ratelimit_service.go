package service

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimitService enforces a sliding-window cap on bet submissions per user.
// The window lives in a Redis sorted set so all processes share it; when Redis
// is unreachable the limiter degrades to a per-process in-memory window rather
// than blocking intake.
type RateLimitService struct {
	rdb *redis.Client
	cfg *config.RateLimitConfig

	mu      sync.Mutex
	local   map[string][]int64 // userID -> unix-ms stamps inside the window
	sweepAt time.Time
}

// NewRateLimitService creates a RateLimitService.
func NewRateLimitService(rdb *redis.Client, cfg *config.Config) *RateLimitService {
	return &RateLimitService{
		rdb:     rdb,
		cfg:     &cfg.RateLimit,
		local:   make(map[string][]int64),
		sweepAt: time.Now(),
	}
}

// Allow records one request for userID and reports whether it fits in the
// window. Never returns an error: Redis trouble falls back to the local
// window, and a disabled limiter always allows.
func (s *RateLimitService) Allow(ctx context.Context, userID string) bool {
	if !s.cfg.Enabled {
		return true
	}
	if s.cfg.RedisEnabled {
		allowed, err := s.allowRedis(ctx, userID)
		if err == nil {
			return allowed
		}
		log.Printf("[ratelimit] redis window failed, using local: %v", err)
	}
	return s.allowLocal(userID)
}

// allowRedis runs the shared sliding window: drop expired members, add this
// request, count, refresh the key TTL. One atomic pipeline round-trip.
func (s *RateLimitService) allowRedis(ctx context.Context, userID string) (bool, error) {
	key := s.cfg.Prefix + userID
	now := time.Now().UnixMilli()
	windowStart := now - s.cfg.Window.Milliseconds()

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, key)
	pipe.PExpire(ctx, key, s.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return card.Val() <= int64(s.cfg.MaxRequests), nil
}

// allowLocal is the degraded per-process window.
func (s *RateLimitService) allowLocal(userID string) bool {
	now := time.Now().UnixMilli()
	windowStart := now - s.cfg.Window.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := s.local[userID]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts > windowStart {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.local[userID] = kept

	// Periodically drop users whose whole window has expired so the map
	// does not grow with every user ever seen.
	if time.Now().After(s.sweepAt) {
		for id, st := range s.local {
			if len(st) == 0 || st[len(st)-1] <= windowStart {
				delete(s.local, id)
			}
		}
		s.sweepAt = time.Now().Add(time.Minute)
	}

	return len(kept) <= s.cfg.MaxRequests
}
