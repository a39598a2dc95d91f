package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache is the subset of *redis.Client used for policy caching.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedProvider fronts a Provider with Redis. Concurrent misses for one
// tenant share a single lookup.
type CachedProvider struct {
	next   Provider
	cache  Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

func NewCachedProvider(next Provider, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{next: next, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(tenantID string) string {
	return fmt.Sprintf("policy:%s", tenantID)
}

func (c *CachedProvider) GetPolicy(ctx context.Context, tenantID string) (*TenantPolicy, error) {
	key := cacheKey(tenantID)

	var p TenantPolicy
	err := c.cache.Get(ctx, key).Scan(&p)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Warn("policy cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// The lookup is shared by every waiter, so one caller's cancellation
		// must not fail the rest.
		shared := context.WithoutCancel(ctx)
		fresh, err := c.next.GetPolicy(shared, tenantID)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(shared, key, fresh, c.ttl).Err(); err != nil {
			c.logger.Warn("policy cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.(*TenantPolicy)), nil
}
