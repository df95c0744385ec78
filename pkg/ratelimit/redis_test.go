package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLimiter(t *testing.T, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, window), mr
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	limiter, mr := newTestRedisLimiter(t, time.Minute)
	key := "agent:a1"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed {
		t.Fatalf("expected denial at limit: %+v", third)
	}
	if third.Count != 2 {
		t.Fatalf("denied call must not charge the window, got count=%d", third.Count)
	}

	mr.FastForward(time.Minute)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected fresh window after expiry, got %+v", reset)
	}
}

func TestRedisLimiterNoLimit(t *testing.T) {
	limiter, mr := newTestRedisLimiter(t, time.Minute)
	if d := limiter.Allow("k", 0); !d.Allowed {
		t.Fatal("no limit must always allow")
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("no-limit call must not create keys, got %v", mr.Keys())
	}
}

func TestRedisLimiterFallsBackWhenRedisDown(t *testing.T) {
	limiter, mr := newTestRedisLimiter(t, time.Minute)
	mr.Close()
	if d := limiter.Allow("k", 1); !d.Allowed {
		t.Fatalf("fallback first call should allow: %+v", d)
	}
	if d := limiter.Allow("k", 1); d.Allowed {
		t.Fatalf("fallback must still enforce the limit: %+v", d)
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	limiter := NewRedis(nil, time.Minute)
	if d := limiter.Allow("k", 1); !d.Allowed {
		t.Fatalf("nil client should use fallback: %+v", d)
	}
	if d := limiter.Allow("k", 1); d.Allowed {
		t.Fatalf("fallback enforces limit: %+v", d)
	}
}
