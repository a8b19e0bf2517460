// Package ratelimit guards the authentication endpoints with token-bucket
// throttling per client and consecutive-failure lockouts per IP and per
// account.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm for a single client.
type TokenBucket struct {
	capacity   int     // Maximum number of tokens
	tokens     float64 // Current number of tokens
	refillRate float64 // Tokens added per second
	lastRefill time.Time
	mu         sync.Mutex
	timeFunc   func() time.Time
}

// NewTokenBucket creates a bucket allowing bursts of capacity requests,
// refilled at refillRate requests per second.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int, refillRate float64, timeFunc func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: timeFunc(),
		timeFunc:   timeFunc,
	}
}

// Allow consumes one token if available. When denied it returns the delay
// after which a retry can succeed.
func (tb *TokenBucket) Allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.timeFunc()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = math.Min(float64(tb.capacity), tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}

	deficit := 1.0 - tb.tokens
	retryAfter := time.Duration(deficit / tb.refillRate * float64(time.Second))
	return false, retryAfter
}

// Tokens returns the currently available tokens.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens
}

// Reset refills the bucket to capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = float64(tb.capacity)
	tb.lastRefill = tb.timeFunc()
}

// RateLimiter manages one bucket per client key.
type RateLimiter struct {
	buckets    map[string]*TokenBucket
	capacity   int
	refillRate float64
	mu         sync.Mutex
	ttl        time.Duration
	timeFunc   func() time.Time
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithLimiterTimeFunc overrides the limiter clock, for tests.
func WithLimiterTimeFunc(timeFunc func() time.Time) LimiterOption {
	return func(rl *RateLimiter) {
		rl.timeFunc = timeFunc
	}
}

// NewRateLimiter creates a limiter giving each key a bucket of the given
// capacity and refill rate. Buckets idle longer than ttl are dropped on the
// next access so memory stays bounded without a cleanup goroutine.
func NewRateLimiter(capacity int, refillRate float64, ttl time.Duration, opts ...LimiterOption) *RateLimiter {
	rl := &RateLimiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		ttl:        ttl,
		timeFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow checks whether a request for the given key may proceed, returning
// the retry delay when it may not.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	rl.expireIdleLocked()
	bucket, exists := rl.buckets[key]
	if !exists {
		bucket = newTokenBucket(rl.capacity, rl.refillRate, rl.timeFunc)
		rl.buckets[key] = bucket
	}
	rl.mu.Unlock()

	return bucket.Allow()
}

// Reset refills the bucket for a specific key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists := rl.buckets[key]; exists {
		bucket.Reset()
	}
}

// Remove drops a key's bucket entirely.
func (rl *RateLimiter) Remove(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// expireIdleLocked evicts buckets idle past the TTL. Called on the access
// path under the limiter lock; iterating the map here bounds memory without
// a dedicated sweeper thread.
func (rl *RateLimiter) expireIdleLocked() {
	if rl.ttl <= 0 {
		return
	}
	now := rl.timeFunc()
	for key, bucket := range rl.buckets {
		bucket.mu.Lock()
		idle := now.Sub(bucket.lastRefill)
		bucket.mu.Unlock()
		if idle > rl.ttl {
			delete(rl.buckets, key)
		}
	}
}

// Stats describes a limiter's current state.
type Stats struct {
	ActiveBuckets int
	TotalCapacity int
	RefillRate    float64
}

// GetStats returns current limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return Stats{
		ActiveBuckets: len(rl.buckets),
		TotalCapacity: rl.capacity,
		RefillRate:    rl.refillRate,
	}
}
