// Package cache's L2 tier: a Redis-backed remote store shared across
// instances. Key format: the CacheKey rendered as lowercase hex (unchanged
// by this layer). Value format: JSON-encoded Entry, a self-describing
// serialization — a deserialization failure is therefore treated as a miss,
// never as an error.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultL2Deadline bounds every L2 round trip (get and put); a deadline
// miss is a miss for reads and a fire-and-forget discard for writes.
const defaultL2Deadline = 50 * time.Millisecond

// defaultL2TTL is the server-side TTL applied when the caller does not
// specify one.
const defaultL2TTL = time.Hour

// RemoteCache is the L2 cache: a pooled Redis client with an enforced
// operation deadline. All operations degrade gracefully — any transport
// error is logged at warn and treated as a miss (read) or silently dropped
// (write); the caller's request path is never failed by an L2 outage.
type RemoteCache struct {
	client   *redis.Client
	deadline time.Duration
	healthy  atomic.Bool
}

// NewRemoteCacheFromClient wraps an existing Redis client. The caller owns
// the client's lifecycle.
func NewRemoteCacheFromClient(redisCli *redis.Client) *RemoteCache {
	c := &RemoteCache{client: redisCli, deadline: defaultL2Deadline}
	c.healthy.Store(true)
	return c
}

// NewRemoteCacheFromURL parses redisURL, creates a client, and verifies
// connectivity with a PING before returning.
func NewRemoteCacheFromURL(ctx context.Context, redisURL string) (*RemoteCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	c := &RemoteCache{client: cli, deadline: defaultL2Deadline}
	c.healthy.Store(true)
	return c, nil
}

// Healthy reports whether the most recent L2 operation succeeded. Exposed
// so the system health endpoint can surface L2 degradation even though
// individual requests never see the failure.
func (c *RemoteCache) Healthy() bool {
	return c.healthy.Load()
}

// Get retrieves and deserializes the entry for key. Any error — network,
// timeout, or malformed JSON — is a miss.
func (c *RemoteCache) Get(ctx context.Context, key string) (Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.healthy.Store(true)
		} else {
			c.healthy.Store(false)
			slog.WarnContext(ctx, "l2_cache_get_error", slog.String("key", key), slog.String("error", err.Error()))
		}
		return Entry{}, false
	}
	c.healthy.Store(true)

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.WarnContext(ctx, "l2_cache_decode_error", slog.String("key", key), slog.String("error", err.Error()))
		return Entry{}, false
	}

	return entry, true
}

// Put serializes entry and stores it under key with ttl (falling back to
// the default when ttl<=0). Errors are logged at warn and otherwise
// swallowed — a slow or unavailable L2 must never fail the caller's
// request.
func (c *RemoteCache) Put(ctx context.Context, key string, entry Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultL2TTL
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		slog.WarnContext(ctx, "l2_cache_encode_error", slog.String("key", key), slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.healthy.Store(false)
		slog.WarnContext(ctx, "l2_cache_set_error", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	c.healthy.Store(true)
}

// Close releases the Redis connection pool.
func (c *RemoteCache) Close() error {
	return c.client.Close()
}
