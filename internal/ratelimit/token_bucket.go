package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a refilling counter: capacity burst, refilled continuously
// at rate tokens per second. Allow is safe for concurrent use.
type TokenBucket struct {
	rate       float64 // tokens per second
	burst      int     // max tokens
	available  float64
	lastRefill time.Time
	mu         sync.Mutex
}

func NewTokenBucket(rate float64, burst int) *TokenBucket {
	return &TokenBucket{
		rate:       rate,
		burst:      burst,
		available:  float64(burst),
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.available += elapsed * tb.rate
	if tb.available > float64(tb.burst) {
		tb.available = float64(tb.burst)
	}
	tb.lastRefill = now
}

// Allow consumes n tokens if available and reports whether it did.
func (tb *TokenBucket) Allow(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.available >= float64(n) {
		tb.available -= float64(n)
		return true
	}
	return false
}

// idleEvictAfter is how long a user's bucket may sit untouched before the
// limiter forgets it. Forgetting a full bucket is free (a fresh one starts
// full), so this only bounds memory.
const idleEvictAfter = 10 * time.Minute

// sweepEvery bounds how often PerUser walks its map looking for idle entries.
const sweepEvery = time.Minute

type userBucket struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// PerUser hands out one token bucket per key and evicts buckets that have
// been idle long enough to have refilled completely.
type PerUser struct {
	rate  float64
	burst int

	mu        sync.Mutex
	buckets   map[string]*userBucket
	lastSweep time.Time
}

func NewPerUser(rate float64, burst int) *PerUser {
	return &PerUser{
		rate:      rate,
		burst:     burst,
		buckets:   make(map[string]*userBucket),
		lastSweep: time.Now(),
	}
}

// Allow consumes one token from userID's bucket, creating the bucket on
// first use.
func (l *PerUser) Allow(userID string) bool {
	now := time.Now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= sweepEvery {
		l.sweepLocked(now)
	}
	ub, ok := l.buckets[userID]
	if !ok {
		ub = &userBucket{bucket: NewTokenBucket(l.rate, l.burst)}
		l.buckets[userID] = ub
	}
	ub.lastSeen = now
	l.mu.Unlock()

	return ub.bucket.Allow(1)
}

func (l *PerUser) sweepLocked(now time.Time) {
	for id, ub := range l.buckets {
		if now.Sub(ub.lastSeen) >= idleEvictAfter {
			delete(l.buckets, id)
		}
	}
	l.lastSweep = now
}

// Tracked returns the number of users currently holding a bucket.
func (l *PerUser) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
