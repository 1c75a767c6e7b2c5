package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ──────────────────────────────────────────────────────────────────────────────
// Lock TTLs — callers must finish within the TTL or accept lock loss; there is
// no renewal.
// ──────────────────────────────────────────────────────────────────────────────

const (
	roundLockTTL = 5 * time.Second
	betLockTTL   = 30 * time.Second
)

// unlockScript deletes a lock key only while the caller still holds it. A key
// that expired and was re-acquired by someone else is left alone.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// LockService provides short-lived fencing locks over Redis. Locks are
// advisory: bet intake falls back to the unique order_id constraint when
// Redis is down, and round transitions fall back to durable status guards.
type LockService struct {
	rdb *redis.Client
}

// NewLockService creates a LockService.
func NewLockService(rdb *redis.Client) *LockService {
	return &LockService{rdb: rdb}
}

// AcquireRoundLock takes the per-asset round lifecycle lock. Returns the
// fencing token, or ok=false when another process holds it.
func (s *LockService) AcquireRoundLock(ctx context.Context, asset string) (token string, ok bool, err error) {
	return s.acquire(ctx, "round_lock:"+asset, roundLockTTL)
}

// ReleaseRoundLock releases the round lock when token still owns it.
func (s *LockService) ReleaseRoundLock(ctx context.Context, asset, token string) (bool, error) {
	return s.release(ctx, "round_lock:"+asset, token)
}

// AcquireBetLock takes the per-order intake lock, serializing duplicate
// submissions of the same orderId.
func (s *LockService) AcquireBetLock(ctx context.Context, orderID string) (token string, ok bool, err error) {
	return s.acquire(ctx, "bet_lock:"+orderID, betLockTTL)
}

// ReleaseBetLock releases the bet lock when token still owns it.
func (s *LockService) ReleaseBetLock(ctx context.Context, orderID, token string) (bool, error) {
	return s.release(ctx, "bet_lock:"+orderID, token)
}

func (s *LockService) acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock_service.acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// release runs the compare-and-del script. released=false means the token was
// stale: the key expired and may belong to a newer holder now.
func (s *LockService) release(ctx context.Context, key, token string) (bool, error) {
	res, err := unlockScript.Run(ctx, s.rdb, []string{key}, token).Result()
	if err != nil {
		return false, fmt.Errorf("lock_service.release %s: %w", key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
