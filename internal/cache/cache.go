// Package cache provides a Redis-backed read-through cache for resource unit
// snapshots. It only serves reads; the store stays the source of truth and
// every successful mutation invalidates the cached snapshot. A nil
// *ResourceCache is valid and disables caching, so callers never branch on
// whether Redis is configured.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parcelgrid/hubcoord/internal/models"
)

const defaultTTL = 30 * time.Second

type ResourceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewResourceCache connects to Redis via a redis:// URL.
func NewResourceCache(url string, ttl time.Duration) (*ResourceCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &ResourceCache{rdb: redis.NewClient(opts), ttl: ttl}, nil
}

func key(resourceID string) string {
	return "hubcoord:resource:" + resourceID
}

// Get returns the cached snapshot and whether it was present. Redis errors
// are treated as misses; the caller falls through to the store.
func (c *ResourceCache) Get(ctx context.Context, resourceID string) (models.ResourceUnit, bool) {
	if c == nil {
		return models.ResourceUnit{}, false
	}
	raw, err := c.rdb.Get(ctx, key(resourceID)).Bytes()
	if err != nil {
		return models.ResourceUnit{}, false
	}
	var unit models.ResourceUnit
	if err := json.Unmarshal(raw, &unit); err != nil {
		return models.ResourceUnit{}, false
	}
	return unit, true
}

// Set stores a snapshot with the configured TTL.
func (c *ResourceCache) Set(ctx context.Context, unit models.ResourceUnit) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(unit)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, key(unit.ID), raw, c.ttl).Err()
}

// Invalidate drops the snapshot after a ledger mutation.
func (c *ResourceCache) Invalidate(ctx context.Context, resourceID string) {
	if c == nil {
		return
	}
	_ = c.rdb.Del(ctx, key(resourceID)).Err()
}

// Ping verifies connectivity to Redis.
func (c *ResourceCache) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("cache not configured")
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *ResourceCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
