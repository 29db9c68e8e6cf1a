package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucketBurstThenDeny(t *testing.T) {
	tb := NewTokenBucket(1, 3)

	for i := 0; i < 3; i++ {
		if !tb.Allow(1) {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if tb.Allow(1) {
		t.Error("request beyond burst allowed")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(10, 3)
	for i := 0; i < 3; i++ {
		tb.Allow(1)
	}
	if tb.Allow(1) {
		t.Fatal("bucket should be empty")
	}

	// Backdate the last refill instead of sleeping.
	tb.mu.Lock()
	tb.lastRefill = tb.lastRefill.Add(-time.Second)
	tb.mu.Unlock()

	if !tb.Allow(1) {
		t.Error("bucket did not refill after elapsed time")
	}
}

func TestTokenBucketClampsToBurst(t *testing.T) {
	tb := NewTokenBucket(100, 2)

	tb.mu.Lock()
	tb.lastRefill = tb.lastRefill.Add(-time.Hour)
	tb.mu.Unlock()

	tb.Allow(1)
	tb.Allow(1)
	if tb.Allow(1) {
		t.Error("refill exceeded the burst capacity")
	}
}

func TestTokenBucketMultiTokenConsume(t *testing.T) {
	tb := NewTokenBucket(1, 5)

	if tb.Allow(6) {
		t.Error("consumed more tokens than the capacity")
	}
	if !tb.Allow(5) {
		t.Error("full-capacity consume denied")
	}
	if tb.Allow(1) {
		t.Error("bucket should be drained")
	}
}

func TestPerUserIsolatesUsers(t *testing.T) {
	l := NewPerUser(1, 2)

	l.Allow("alice")
	l.Allow("alice")
	if l.Allow("alice") {
		t.Error("alice allowed beyond her burst")
	}
	if !l.Allow("bob") {
		t.Error("bob throttled by alice's spend")
	}
	if got := l.Tracked(); got != 2 {
		t.Errorf("Tracked = %d, want 2", got)
	}
}

func TestPerUserEvictsIdleBuckets(t *testing.T) {
	l := NewPerUser(1, 2)
	l.Allow("alice")
	l.Allow("bob")

	// Backdate alice far past the idle window and force the next Allow to
	// sweep.
	l.mu.Lock()
	l.buckets["alice"].lastSeen = time.Now().Add(-idleEvictAfter - time.Minute)
	l.lastSweep = time.Now().Add(-sweepEvery - time.Second)
	l.mu.Unlock()

	l.Allow("bob")

	l.mu.Lock()
	_, aliceTracked := l.buckets["alice"]
	_, bobTracked := l.buckets["bob"]
	l.mu.Unlock()
	if aliceTracked {
		t.Error("idle bucket survived the sweep")
	}
	if !bobTracked {
		t.Error("active bucket evicted")
	}
}

func TestPerUserFreshBucketAfterEviction(t *testing.T) {
	l := NewPerUser(1, 1)
	if !l.Allow("alice") {
		t.Fatal("first request denied")
	}
	if l.Allow("alice") {
		t.Fatal("burst of 1 exceeded")
	}

	l.mu.Lock()
	l.buckets["alice"].lastSeen = time.Now().Add(-idleEvictAfter - time.Minute)
	l.lastSweep = time.Now().Add(-sweepEvery - time.Second)
	l.mu.Unlock()

	// The sweep runs inside this call, so alice starts over with a full
	// bucket.
	if !l.Allow("alice") {
		t.Error("evicted user did not get a fresh bucket")
	}
}
