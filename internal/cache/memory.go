package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	defaultMaxEntries = 1000
	defaultL1TTL      = 5 * time.Minute
)

// MemoryCache is the bounded in-process L1 cache. Eviction is both
// size-triggered — ristretto's TinyLFU admission policy decides which new
// keys are worth admitting once the cache is at its configured max_entries —
// and TTL-triggered, via ristretto's own per-item expiry. Concurrent readers
// never block one another; writes are handed off to ristretto's internal
// ring buffer and applied asynchronously, so Put never blocks the caller.
type MemoryCache struct {
	rc         *ristretto.Cache[string, Entry]
	defaultTTL time.Duration
}

type memoryCacheOpts struct {
	maxEntries int64
	defaultTTL time.Duration
}

// MemoryCacheOption configures a MemoryCache at construction time.
type MemoryCacheOption func(*memoryCacheOpts)

// WithMaxEntries overrides the default bound of 1000 entries.
func WithMaxEntries(n int64) MemoryCacheOption {
	return func(o *memoryCacheOpts) { o.maxEntries = n }
}

// WithDefaultTTL overrides the default 5-minute per-entry TTL.
func WithDefaultTTL(d time.Duration) MemoryCacheOption {
	return func(o *memoryCacheOpts) { o.defaultTTL = d }
}

// NewMemoryCache builds an L1 cache bounded to max_entries (default 1000)
// admitted items, using a TinyLFU frequency sketch to decide which new keys
// evict existing ones once full.
func NewMemoryCache(opts ...MemoryCacheOption) (*MemoryCache, error) {
	o := memoryCacheOpts{maxEntries: defaultMaxEntries, defaultTTL: defaultL1TTL}
	for _, fn := range opts {
		fn(&o)
	}

	rc, err := ristretto.NewCache(&ristretto.Config[string, Entry]{
		// NumCounters sizing follows ristretto's guidance of ~10x the number
		// of items expected to be held, for an accurate frequency sketch.
		NumCounters: o.maxEntries * 10,
		MaxCost:     o.maxEntries,
		BufferItems: 64,
		// Metrics backs Len; without it ristretto's counters always read 0.
		Metrics: true,
	})
	if err != nil {
		return nil, err
	}

	return &MemoryCache{rc: rc, defaultTTL: o.defaultTTL}, nil
}

// Get returns the entry for key. A miss — absent, expired, or evicted by the
// admission policy — reports ok=false. The context is accepted to satisfy
// Store; L1 never suspends.
func (m *MemoryCache) Get(_ context.Context, key string) (Entry, bool) {
	return m.rc.Get(key)
}

// Put admits key into L1 with the given TTL (falling back to the configured
// default when ttl<=0). Admission is decided by ristretto's TinyLFU policy —
// a new key may be rejected if it is judged less valuable than what it would
// evict. SetWithTTL hands the write to ristretto's internal buffer and
// returns immediately; it does not guarantee the key is visible to a
// following Get.
func (m *MemoryCache) Put(_ context.Context, key string, entry Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.rc.SetWithTTL(key, entry, 1, ttl)
}

// Len reports the approximate number of items currently admitted.
func (m *MemoryCache) Len() int64 {
	return m.rc.Metrics.KeysAdded() - m.rc.Metrics.KeysEvicted()
}

// Close releases ristretto's background goroutines.
func (m *MemoryCache) Close() error {
	m.rc.Close()
	return nil
}
