package service

import (
	"context"
	"testing"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
)

func limiterFixture(maxRequests int, window time.Duration) *RateLimitService {
	cfg := &config.Config{}
	cfg.RateLimit = config.RateLimitConfig{
		Enabled:      true,
		RedisEnabled: false, // exercise the in-process window
		Window:       window,
		MaxRequests:  maxRequests,
	}
	return NewRateLimitService(nil, cfg)
}

func TestRateLimitService_LocalWindow(t *testing.T) {
	s := limiterFixture(3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !s.Allow(ctx, "alice") {
			t.Fatalf("request %d rejected inside the window", i+1)
		}
	}
	if s.Allow(ctx, "alice") {
		t.Fatal("4th request inside the window should be rejected")
	}
	// Another user has their own window.
	if !s.Allow(ctx, "bob") {
		t.Fatal("bob's first request rejected")
	}
}

func TestRateLimitService_WindowSlides(t *testing.T) {
	s := limiterFixture(2, 50*time.Millisecond)
	ctx := context.Background()

	s.Allow(ctx, "alice")
	s.Allow(ctx, "alice")
	if s.Allow(ctx, "alice") {
		t.Fatal("3rd request should be rejected")
	}

	time.Sleep(60 * time.Millisecond)
	if !s.Allow(ctx, "alice") {
		t.Fatal("request after the window slid should be allowed")
	}
}

func TestRateLimitService_DisabledAlwaysAllows(t *testing.T) {
	s := limiterFixture(1, time.Second)
	s.cfg.Enabled = false
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if !s.Allow(ctx, "alice") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}
