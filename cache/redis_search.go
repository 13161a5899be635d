package cache

import (
	"context"
	"errors"
	"time"

	"vox_back/logging"

	"github.com/redis/go-redis/v9"
)

const searchCacheTimeout = 300 * time.Millisecond

// RedisClient is the subset of go-redis used by the search cache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type redisSearchCache struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisSearchCache shares search results across instances.
func NewRedisSearchCache(client RedisClient, ttl time.Duration) SearchCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultSearchTTL
	}
	return &redisSearchCache{client: client, ttl: ttl}
}

// cacheContext bounds cache operations so a slow Redis never delays a request.
func cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), searchCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= searchCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, searchCacheTimeout)
}

func (r *redisSearchCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	ctx, cancel := cacheContext(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.For("cache").WithError(err).Warn("read search cache failed")
		}
		return nil, false
	}
	return data, true
}

func (r *redisSearchCache) Set(ctx context.Context, key string, value []byte) {
	if key == "" || value == nil {
		return
	}
	ctx, cancel := cacheContext(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		logging.For("cache").WithError(err).Warn("store search cache failed")
	}
}
