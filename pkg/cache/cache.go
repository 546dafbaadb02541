// Package cache implements the short-TTL cache layer: token caching,
// idempotency marks, and rate-limit window counters backed by
// Redis. Every operation is fail-open — a Redis outage degrades
// performance (re-fetching tokens, re-processing already-seen emails)
// but never blocks the pipeline.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with the three concerns the pipeline needs:
// token caching, idempotency marks, and sliding-window counters.
type Cache struct {
	client redis.UniversalClient
}

// Config configures the Redis connection backing Cache.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies reachability with a ping. A
// connection failure here is fatal at startup; subsequent per-operation
// failures are fail-open instead.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connecting to redis: %w", err)
	}
	return &Cache{client: client}, nil
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

const tokenKeyPrefix = "token:"

// PutToken caches a bearer token under name with the given TTL.
func (c *Cache) PutToken(ctx context.Context, name, token string, ttl time.Duration) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, tokenKeyPrefix+name, token, ttl).Err(); err != nil {
		slog.Warn("cache: failed to store token", "name", name, "error", err)
	}
}

// GetToken retrieves a cached token. ok is false on cache miss or any
// Redis error; callers must fall back to fetching a fresh token.
func (c *Cache) GetToken(ctx context.Context, name string) (token string, ok bool) {
	if c == nil {
		return "", false
	}
	val, err := c.client.Get(ctx, tokenKeyPrefix+name).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("cache: failed to read token", "name", name, "error", err)
		}
		return "", false
	}
	return val, true
}

const seenKeyPrefix = "seen:"

// seenTTL is the idempotency window: an email id once marked seen is
// not reprocessed for this long even if it reappears in a poll cycle.
const seenTTL = 24 * time.Hour

// MarkSeen records that emailID has been claimed for processing this
// cycle. Returns true if this call won the race (first to mark it) or if
// Redis is unreachable (fail-open: callers must fall back to the
// database's claim semantics), false if another caller already marked it.
func (c *Cache) MarkSeen(ctx context.Context, emailID string) bool {
	if c == nil {
		return true
	}
	ok, err := c.client.SetNX(ctx, seenKeyPrefix+emailID, 1, seenTTL).Result()
	if err != nil {
		slog.Warn("cache: failed to mark email seen, falling back to store claim", "email_id", emailID, "error", err)
		return true
	}
	return ok
}

// rateLimitKeyPrefix namespaces sliding-window counters by identifier.
const rateLimitKeyPrefix = "ratelimit:"

// IncrementWindow increments the counter for identifier within the
// current window bucket (windowStart truncates to the window size) and
// returns the new count. On Redis error it returns 0, false so callers
// fail open rather than blocking traffic on a cache outage.
func (c *Cache) IncrementWindow(ctx context.Context, identifier string, windowStart time.Time, window time.Duration) (count int64, ok bool) {
	if c == nil {
		return 0, false
	}
	key := fmt.Sprintf("%s%s:%d", rateLimitKeyPrefix, identifier, windowStart.Unix())
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("cache: failed to increment rate window", "identifier", identifier, "error", err)
		return 0, false
	}
	return incr.Val(), true
}
