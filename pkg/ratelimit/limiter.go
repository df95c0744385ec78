package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is a fixed-window counter table. A window admits at most
// limit requests; a request arriving at the limit is denied without
// charging the counter. Buckets are never evicted — the key space is
// bounded by the number of configured services and agents.
//
// The window is fixed, not sliding: a burst straddling a window boundary
// can admit up to 2x limit requests around the boundary.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	items  map[string]*bucket
}

type bucket struct {
	count   int
	startAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
		items:  make(map[string]*bucket),
	}
}

// WithClock replaces the wall clock, for deterministic window-boundary
// tests.
func (l *InMemoryLimiter) WithClock(now func() time.Time) *InMemoryLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	// No configured limit means unlimited; no bucket is created.
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit}
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	curr, ok := l.items[key]
	if !ok || now.Sub(curr.startAt) >= l.window {
		curr = &bucket{count: 1, startAt: now}
		l.items[key] = curr
		return l.decision(curr, limit, true)
	}
	if curr.count >= limit {
		return l.decision(curr, limit, false)
	}
	curr.count++
	return l.decision(curr, limit, true)
}

func (l *InMemoryLimiter) decision(b *bucket, limit int, allowed bool) Decision {
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Count:     b.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   b.startAt.Add(l.window),
	}
}
