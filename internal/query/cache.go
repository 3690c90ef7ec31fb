package query

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/config"
	pkgredis "github.com/Adithya-Monish-Kumar-K/govscout/pkg/redis"
)

const keyPrefix = "govscout:query:"

// generationKey lives outside keyPrefix so invalidation never deletes it.
// Entries are written under the generation read before computing, so a
// result computed across an invalidation lands in a retired generation.
const generationKey = "govscout:query-generation"

// Cache is a Redis read-through cache for search pages and facet counts.
// Concurrent misses for the same key share one backend call.
type Cache struct {
	client *pkgredis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache(client *pkgredis.Client, cfg config.RedisConfig) *Cache {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "query-cache"),
	}
}

// Invalidate retires the current generation and drops every cached query
// result.
func (c *Cache) Invalidate(ctx context.Context) error {
	if _, err := c.client.Incr(ctx, generationKey); err != nil {
		return fmt.Errorf("bumping cache generation: %w", err)
	}
	deleted, err := c.client.DeletePrefix(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("invalidating query cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

func (c *Cache) generation(ctx context.Context) (int64, error) {
	data, err := c.client.Get(ctx, generationKey)
	if pkgredis.IsNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(data), 10, 64)
}

func (c *Cache) get(ctx context.Context, key string, dst any) bool {
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNil(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return false
	}
	c.hits.Add(1)
	return true
}

func (c *Cache) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// cached returns the value under name in the current generation, computing
// and storing it on a miss. A nil cache always computes. Cache failures
// degrade to computing.
func cached[T any](ctx context.Context, c *Cache, name string, compute func() (T, error)) (T, bool, error) {
	if c == nil {
		v, err := compute()
		return v, false, err
	}
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.Error("cache generation read failed", "error", err)
		c.misses.Add(1)
		v, err := compute()
		return v, false, err
	}
	key := keyPrefix + strconv.FormatInt(gen, 10) + ":" + name
	var v T
	if c.get(ctx, key, &v) {
		return v, true, nil
	}
	val, err, _ := c.group.Do(key, func() (any, error) {
		var v T
		if c.get(ctx, key, &v) {
			return v, nil
		}
		v, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return val.(T), false, nil
}

// searchKey hashes the compiled clauses so filters that differ only in
// spelling (code order, duplicates, whitespace) share an entry.
func searchKey(clauses []Clause, limit, offset int) string {
	raw, _ := json.Marshal(struct {
		Clauses []Clause
		Limit   int
		Offset  int
	}{clauses, limit, offset})
	hash := sha256.Sum256(raw)
	return fmt.Sprintf("search:%x", hash[:16])
}

const facetsKey = "facets"
