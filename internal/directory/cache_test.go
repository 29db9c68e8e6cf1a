package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/veilchat/messenger/internal/observability"
	"github.com/veilchat/messenger/internal/retry"
)

var (
	testLog     = observability.NewLogger("directory-test", "test", io.Discard)
	testMetrics = observability.NewMetrics()
)

// fakeFetcher scripts directory responses per call number and counts calls.
type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) ([32]byte, error)
}

func (f *fakeFetcher) FetchPublicKey(ctx context.Context, userID string) ([32]byte, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	fn := f.fn
	f.mu.Unlock()
	return fn(n)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

// newTestCache builds a cache with a manual clock and millisecond retry
// delays so tests control both TTL windows and attempt pacing.
func newTestCache(f *fakeFetcher) (*KeyCache, *time.Time) {
	cache := NewKeyCache(f, Options{
		Retry: retry.Policy{Attempts: 3, Delay: time.Millisecond},
	}, testLog, testMetrics)

	current := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return current }
	return cache, &current
}

// TestFetchCachesWithinPositiveTTL tests that a fresh success entry answers
// without a network call and expires after the 5 minute window
func TestFetchCachesWithinPositiveTTL(t *testing.T) {
	f := &fakeFetcher{fn: func(int) ([32]byte, error) { return testKey(0xAA), nil }}
	cache, clock := newTestCache(f)

	key, err := cache.Fetch(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if key != testKey(0xAA) {
		t.Error("Fetch() returned wrong key")
	}

	// Second fetch inside the TTL hits the cache
	*clock = clock.Add(4 * time.Minute)
	if _, err := cache.Fetch(context.Background(), "bob"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if f.callCount() != 1 {
		t.Errorf("network calls = %d, want 1 (second fetch should hit cache)", f.callCount())
	}

	// Past the TTL the entry is stale and refetched
	*clock = clock.Add(time.Minute + time.Second)
	if _, err := cache.Fetch(context.Background(), "bob"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if f.callCount() != 2 {
		t.Errorf("network calls = %d, want 2 (stale entry should refetch)", f.callCount())
	}
}

// TestTerminalErrorNotRetriedAndNegativeCached tests that HTTP 400 style
// terminal errors consume one network call and are re-raised from cache
// within the 30 second negative TTL
func TestTerminalErrorNotRetriedAndNegativeCached(t *testing.T) {
	f := &fakeFetcher{fn: func(int) ([32]byte, error) { return [32]byte{}, ErrRecipientNotProvisioned }}
	cache, clock := newTestCache(f)

	_, err := cache.Fetch(context.Background(), "carol")
	if !errors.Is(err, ErrRecipientNotProvisioned) {
		t.Fatalf("Fetch() error = %v, want ErrRecipientNotProvisioned", err)
	}
	if f.callCount() != 1 {
		t.Errorf("network calls = %d, want 1 (terminal errors are never retried)", f.callCount())
	}

	// Within the negative TTL the cached error is re-raised with no call
	*clock = clock.Add(10 * time.Second)
	_, err = cache.Fetch(context.Background(), "carol")
	if !errors.Is(err, ErrRecipientNotProvisioned) {
		t.Fatalf("Fetch() error = %v, want cached ErrRecipientNotProvisioned", err)
	}
	if f.callCount() != 1 {
		t.Errorf("network calls = %d, want 1 (negative cache should answer)", f.callCount())
	}

	// Past the negative TTL the directory is consulted again
	*clock = clock.Add(21 * time.Second)
	_, _ = cache.Fetch(context.Background(), "carol")
	if f.callCount() != 2 {
		t.Errorf("network calls = %d, want 2 (negative entry expired)", f.callCount())
	}
}

// TestNotFoundIsTerminal tests the HTTP 404 mapping behaves like 400
func TestNotFoundIsTerminal(t *testing.T) {
	f := &fakeFetcher{fn: func(int) ([32]byte, error) { return [32]byte{}, ErrRecipientNotFound }}
	cache, _ := newTestCache(f)

	_, err := cache.Fetch(context.Background(), "ghost")
	if !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("Fetch() error = %v, want ErrRecipientNotFound", err)
	}
	if f.callCount() != 1 {
		t.Errorf("network calls = %d, want 1", f.callCount())
	}
}

// TestTransientRetrySucceeds tests that transient failures are retried with
// the configured delay and the third attempt's key is returned
func TestTransientRetrySucceeds(t *testing.T) {
	transient := fmt.Errorf("%w: connection refused", ErrDirectoryUnavailable)
	f := &fakeFetcher{fn: func(call int) ([32]byte, error) {
		if call < 3 {
			return [32]byte{}, transient
		}
		return testKey(0xBB), nil
	}}

	cache := NewKeyCache(f, Options{
		Retry: retry.Policy{Attempts: 3, Delay: 10 * time.Millisecond},
	}, testLog, testMetrics)

	start := time.Now()
	key, err := cache.Fetch(context.Background(), "dave")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Fetch() failed after transient retries: %v", err)
	}
	if key != testKey(0xBB) {
		t.Error("Fetch() returned wrong key")
	}
	if f.callCount() != 3 {
		t.Errorf("network calls = %d, want 3", f.callCount())
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 20ms (two retry delays)", elapsed)
	}
}

// TestTransientExhaustionCachesLastError tests the attempt budget and the
// negative caching of the final transient error
func TestTransientExhaustionCachesLastError(t *testing.T) {
	transient := fmt.Errorf("%w: 502", ErrDirectoryUnavailable)
	f := &fakeFetcher{fn: func(int) ([32]byte, error) { return [32]byte{}, transient }}
	cache, _ := newTestCache(f)

	_, err := cache.Fetch(context.Background(), "erin")
	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("Fetch() error = %v, want ErrDirectoryUnavailable", err)
	}
	if f.callCount() != 3 {
		t.Errorf("network calls = %d, want 3 (full budget)", f.callCount())
	}

	// The exhausted error is negative-cached
	_, err = cache.Fetch(context.Background(), "erin")
	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("Fetch() error = %v, want cached ErrDirectoryUnavailable", err)
	}
	if f.callCount() != 3 {
		t.Errorf("network calls = %d, want 3 (negative cache should answer)", f.callCount())
	}
}

// TestSuccessSupersedesCachedError tests that a later success replaces a
// cached failure for the same user
func TestSuccessSupersedesCachedError(t *testing.T) {
	f := &fakeFetcher{fn: func(call int) ([32]byte, error) {
		if call == 1 {
			return [32]byte{}, ErrRecipientNotProvisioned
		}
		return testKey(0xCC), nil
	}}
	cache, clock := newTestCache(f)

	if _, err := cache.Fetch(context.Background(), "frank"); err == nil {
		t.Fatal("first Fetch() should fail")
	}

	*clock = clock.Add(31 * time.Second)
	key, err := cache.Fetch(context.Background(), "frank")
	if err != nil {
		t.Fatalf("Fetch() after provisioning failed: %v", err)
	}
	if key != testKey(0xCC) {
		t.Error("Fetch() returned wrong key")
	}

	// The success is now the live entry
	if cached, ok := cache.Cached("frank"); !ok || cached != testKey(0xCC) {
		t.Error("Cached() should return the superseding key")
	}
}

// TestInvalidateBypassesTTL tests that invalidation forces a refetch inside
// the positive TTL window
func TestInvalidateBypassesTTL(t *testing.T) {
	f := &fakeFetcher{fn: func(int) ([32]byte, error) { return testKey(0xDD), nil }}
	cache, _ := newTestCache(f)

	if _, err := cache.Fetch(context.Background(), "grace"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	cache.Invalidate("unknown-user") // unknown id is a no-op
	cache.Invalidate("grace")

	if _, err := cache.Fetch(context.Background(), "grace"); err != nil {
		t.Fatalf("Fetch() after Invalidate failed: %v", err)
	}
	if f.callCount() != 2 {
		t.Errorf("network calls = %d, want 2 (invalidation bypasses the TTL)", f.callCount())
	}
}

// TestInvalidateEvictsNegativeEntry tests that invalidation also clears a
// cached error before its negative TTL expires
func TestInvalidateEvictsNegativeEntry(t *testing.T) {
	f := &fakeFetcher{fn: func(call int) ([32]byte, error) {
		if call == 1 {
			return [32]byte{}, ErrRecipientNotProvisioned
		}
		return testKey(0xEE), nil
	}}
	cache, _ := newTestCache(f)

	if _, err := cache.Fetch(context.Background(), "heidi"); err == nil {
		t.Fatal("first Fetch() should fail")
	}

	cache.Invalidate("heidi")

	key, err := cache.Fetch(context.Background(), "heidi")
	if err != nil {
		t.Fatalf("Fetch() after Invalidate failed: %v", err)
	}
	if key != testKey(0xEE) {
		t.Error("Fetch() returned wrong key")
	}
}

// TestClearEvictsAllEntries tests Clear drops every cached entry
func TestClearEvictsAllEntries(t *testing.T) {
	f := &fakeFetcher{fn: func(int) ([32]byte, error) { return testKey(0x11), nil }}
	cache, _ := newTestCache(f)

	for _, id := range []string{"alice", "bob"} {
		if _, err := cache.Fetch(context.Background(), id); err != nil {
			t.Fatalf("Fetch(%q) failed: %v", id, err)
		}
	}
	if f.callCount() != 2 {
		t.Fatalf("network calls = %d, want 2", f.callCount())
	}

	cache.Clear()

	for _, id := range []string{"alice", "bob"} {
		if _, err := cache.Fetch(context.Background(), id); err != nil {
			t.Fatalf("Fetch(%q) after Clear failed: %v", id, err)
		}
	}
	if f.callCount() != 4 {
		t.Errorf("network calls = %d, want 4 (Clear drops all entries)", f.callCount())
	}
}

// TestCachedIgnoresFreshness tests Cached returns the latest success even
// past the positive TTL and never touches the network
func TestCachedIgnoresFreshness(t *testing.T) {
	f := &fakeFetcher{fn: func(int) ([32]byte, error) { return testKey(0x22), nil }}
	cache, clock := newTestCache(f)

	if _, ok := cache.Cached("ivan"); ok {
		t.Error("Cached() on an empty cache should report no key")
	}

	if _, err := cache.Fetch(context.Background(), "ivan"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	*clock = clock.Add(time.Hour)
	key, ok := cache.Cached("ivan")
	if !ok || key != testKey(0x22) {
		t.Error("Cached() should return the stale key without refetching")
	}
	if f.callCount() != 1 {
		t.Errorf("network calls = %d, want 1 (Cached never fetches)", f.callCount())
	}
}

// TestFetchWithPolicyOverridesBudget tests a per-call policy replaces the
// cache default
func TestFetchWithPolicyOverridesBudget(t *testing.T) {
	transient := fmt.Errorf("%w: timeout", ErrDirectoryUnavailable)
	f := &fakeFetcher{fn: func(int) ([32]byte, error) { return [32]byte{}, transient }}
	cache, _ := newTestCache(f)

	_, err := cache.FetchWithPolicy(context.Background(), "judy", retry.Policy{Attempts: 1, Delay: time.Millisecond})
	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("FetchWithPolicy() error = %v, want ErrDirectoryUnavailable", err)
	}
	if f.callCount() != 1 {
		t.Errorf("network calls = %d, want 1 (single-attempt policy)", f.callCount())
	}
}

// TestCancellationIsNotCached tests that a cancelled fetch leaves no
// negative entry behind
func TestCancellationIsNotCached(t *testing.T) {
	f := &fakeFetcher{fn: func(int) ([32]byte, error) { return testKey(0x33), nil }}
	cache, _ := newTestCache(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := cache.Fetch(ctx, "kim"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch() error = %v, want context.Canceled", err)
	}

	// A fresh fetch goes to the network rather than re-raising a cached
	// cancellation
	key, err := cache.Fetch(context.Background(), "kim")
	if err != nil {
		t.Fatalf("Fetch() after cancellation failed: %v", err)
	}
	if key != testKey(0x33) {
		t.Error("Fetch() returned wrong key")
	}
}
