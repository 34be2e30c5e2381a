// Package cache implements the two-tier cache subsystem: a bounded
// in-process L1 with TinyLFU-style admission (MemoryCache), a remote L2
// backed by Redis (RemoteCache), and a Manager that composes the two behind
// a single get/put interface with write-through and a bounded fire-and-forget
// write queue for L2.
package cache

import (
	"context"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Entry is CachedEntry from the data model: an immutable, already-computed
// response ready to be replayed on a cache hit.
type Entry struct {
	Content        string          `json:"content"`
	FinishReason   string          `json:"finish_reason"`
	Usage          providers.Usage `json:"usage"`
	ModelUsed      string          `json:"model_used"`
	CreatedAt      time.Time       `json:"created_at"`
	OriginProvider string          `json:"origin_provider"`
}

// Tier identifies which cache level satisfied a lookup.
type Tier string

const (
	TierNone Tier = "none"
	TierL1   Tier = "l1"
	TierL2   Tier = "l2"
)

// Store is the minimal get/put contract both L1 and L2 implement. Get
// returns (entry, false) for absent, expired, evicted, or (on L2)
// undeserializable values — a deserialization failure is a miss, not an
// error. Put never blocks the caller past its own deadline.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Put(ctx context.Context, key string, entry Entry, ttl time.Duration)
	Close() error
}
