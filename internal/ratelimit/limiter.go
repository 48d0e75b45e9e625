// Package ratelimit provides a fixed-window token bucket keyed by client
// address.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/tunnelboard/internal/clock"
)

// Limiter manages rate limiting for multiple keys.
type Limiter struct {
	limit    int
	interval time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

// bucket refills to limit once interval has passed since the last fill.
type bucket struct {
	tokens   int
	lastFill time.Time
}

// NewLimiter allows limit requests per key within each interval.
func NewLimiter(limit int, interval time.Duration, clk clock.Clock) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	return &Limiter{
		limit:    limit,
		interval: interval,
		clock:    clock.OrReal(clk),
		buckets:  make(map[string]*bucket),
	}
}

// Allow takes a token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter reports how long until key's bucket refills. Zero when a token
// is available.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens > 0 {
		return 0
	}
	return b.lastFill.Add(l.interval).Sub(l.clock.Now())
}

func (l *Limiter) refill(key string) *bucket {
	now := l.clock.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.limit, lastFill: now}
		l.buckets[key] = b
	}
	if now.Sub(b.lastFill) >= l.interval {
		b.tokens = l.limit
		b.lastFill = now
	}
	return b
}

// Reset clears the bucket for key, e.g. after a successful login.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// CleanupExpired removes buckets that have not refilled within maxAge and
// returns how many were removed.
func (l *Limiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastFill) > maxAge {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
