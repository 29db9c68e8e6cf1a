package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/veilchat/messenger/internal/observability"
	"github.com/veilchat/messenger/internal/retry"
)

// Cache freshness and retry defaults. Positive entries outlive negative ones
// so a failed recipient is re-checked soon while a resolved key sticks.
const (
	DefaultPositiveTTL = 5 * time.Minute
	DefaultNegativeTTL = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
)

// Fetcher is the directory lookup the cache delegates to; *Client satisfies
// it, tests supply fakes.
type Fetcher interface {
	FetchPublicKey(ctx context.Context, userID string) ([32]byte, error)
}

// Options tunes a KeyCache. Zero values fall back to the defaults above.
type Options struct {
	PositiveTTL time.Duration
	NegativeTTL time.Duration
	Retry       retry.Policy
}

func (o Options) withDefaults() Options {
	if o.PositiveTTL <= 0 {
		o.PositiveTTL = DefaultPositiveTTL
	}
	if o.NegativeTTL <= 0 {
		o.NegativeTTL = DefaultNegativeTTL
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = DefaultMaxRetries
	}
	if o.Retry.Delay <= 0 {
		o.Retry.Delay = DefaultRetryDelay
	}
	return o
}

type entry struct {
	key       [32]byte
	hasKey    bool
	err       error
	fetchedAt time.Time
}

// KeyCache caches counterpart public keys with TTL-based freshness and
// negative-result caching. At most one live entry exists per user id; a
// successful fetch supersedes a cached error and vice versa. Entries live in
// memory only and are rebuilt each session.
type KeyCache struct {
	fetcher Fetcher
	opts    Options
	log     *observability.Logger
	metrics *observability.Metrics

	// now is the clock; tests override it to step through TTL windows.
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// NewKeyCache creates a key cache over the given fetcher.
func NewKeyCache(fetcher Fetcher, opts Options, log *observability.Logger, metrics *observability.Metrics) *KeyCache {
	return &KeyCache{
		fetcher: fetcher,
		opts:    opts.withDefaults(),
		log:     log,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Fetch resolves userID to a public key using the cache's default retry
// policy.
func (c *KeyCache) Fetch(ctx context.Context, userID string) ([32]byte, error) {
	return c.FetchWithPolicy(ctx, userID, c.opts.Retry)
}

// FetchWithPolicy resolves userID with an explicit retry budget.
//
// Resolution order:
//  1. A successful entry fresher than the positive TTL is returned with no
//     network call.
//  2. A failed entry fresher than the negative TTL re-raises the cached
//     error with no network call.
//  3. Otherwise the directory is called under the retry policy: terminal
//     errors stop immediately, transient errors wait the policy delay and
//     retry. The final outcome, key or error, replaces the cache entry.
//
// Context cancellation is never cached; it reflects the caller, not the
// recipient.
func (c *KeyCache) FetchWithPolicy(ctx context.Context, userID string, policy retry.Policy) ([32]byte, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[userID]; ok {
		if e.hasKey && now.Sub(e.fetchedAt) < c.opts.PositiveTTL {
			c.mu.Unlock()
			c.metrics.RecordKeyCacheLookup("hit")
			return e.key, nil
		}
		if e.err != nil && now.Sub(e.fetchedAt) < c.opts.NegativeTTL {
			err := e.err
			c.mu.Unlock()
			c.metrics.RecordKeyCacheLookup("negative_hit")
			return [32]byte{}, err
		}
	}
	c.mu.Unlock()
	c.metrics.RecordKeyCacheLookup("miss")

	start := time.Now()
	var key [32]byte
	err := retry.Do(ctx, policy, func(err error) bool { return !Terminal(err) }, func(ctx context.Context) error {
		fetched, ferr := c.fetcher.FetchPublicKey(ctx, userID)
		if ferr != nil {
			return ferr
		}
		key = fetched
		return nil
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return [32]byte{}, err
		}
		c.store(userID, nil, err)
		c.metrics.RecordDirectoryLookup(lookupResult(err), elapsed)
		c.log.KeyFetchFailed(userID, policy.Attempts, err)
		return [32]byte{}, err
	}

	c.store(userID, &key, nil)
	c.metrics.RecordDirectoryLookup("success", elapsed)
	return key, nil
}

// Cached returns the most recent successfully fetched key for userID without
// any freshness check or network call. Decryption consumers prefer a stale
// key over none: a wrong key fails authentication, it cannot mislead.
func (c *KeyCache) Cached(userID string) ([32]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok || !e.hasKey {
		return [32]byte{}, false
	}
	return e.key, true
}

// Invalidate force-evicts the entry for userID, success or error, so the
// next Fetch bypasses both TTL windows.
func (c *KeyCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Clear evicts all entries.
func (c *KeyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

func (c *KeyCache) store(userID string, key *[32]byte, err error) {
	e := entry{fetchedAt: c.now()}
	if key != nil {
		e.key = *key
		e.hasKey = true
	} else {
		e.err = err
	}

	c.mu.Lock()
	c.entries[userID] = e
	c.mu.Unlock()
}

func lookupResult(err error) string {
	switch {
	case errors.Is(err, ErrRecipientNotFound):
		return "not_found"
	case errors.Is(err, ErrRecipientNotProvisioned):
		return "not_provisioned"
	default:
		return "transient"
	}
}
