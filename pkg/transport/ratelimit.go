package transport

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm over bytes.
//
// The bucket allows bursts up to its capacity while keeping the average
// rate at refillRate bytes per second. Reserve may drive the bucket into
// debt; the returned delay is the time until the debt is repaid.
//
// TokenBucket is safe for concurrent use.
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a bucket holding up to capacity bytes, refilled at
// refillRate bytes per second. The bucket starts full.
func NewTokenBucket(capacity int64, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int64, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Take consumes n tokens if they are available and reports whether it did.
func (tb *TokenBucket) Take(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// Reserve consumes n tokens unconditionally and returns how long the
// caller should wait before proceeding.
func (tb *TokenBucket) Reserve(n int64) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	tb.tokens -= float64(n)
	if tb.tokens >= 0 {
		return 0
	}
	return time.Duration(-tb.tokens / tb.refillRate * float64(time.Second))
}

// Remaining returns the number of tokens currently available.
func (tb *TokenBucket) Remaining() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	return int64(tb.tokens)
}

func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed.Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// RateLimitGroup holds the read and write buckets shared by every
// connection of a worker. A nil group, or a nil bucket within it, does not
// limit.
type RateLimitGroup struct {
	read  *TokenBucket
	write *TokenBucket
}

// NewRateLimitGroup creates a group. A rate of zero disables limiting in
// that direction.
func NewRateLimitGroup(readRate, readBurst, writeRate, writeBurst int64) *RateLimitGroup {
	g := &RateLimitGroup{}
	if readRate > 0 {
		g.read = NewTokenBucket(readBurst, float64(readRate))
	}
	if writeRate > 0 {
		g.write = NewTokenBucket(writeBurst, float64(writeRate))
	}
	return g
}

// ReadDelay accounts n read bytes and returns the pause before the next read.
func (g *RateLimitGroup) ReadDelay(n int) time.Duration {
	if g == nil || g.read == nil {
		return 0
	}
	return g.read.Reserve(int64(n))
}

// WriteDelay accounts n bytes about to be written and returns the pause
// before writing them.
func (g *RateLimitGroup) WriteDelay(n int) time.Duration {
	if g == nil || g.write == nil {
		return 0
	}
	return g.write.Reserve(int64(n))
}
