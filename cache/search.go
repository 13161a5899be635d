package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSearchTTL is how long CRM search results are reused.
const DefaultSearchTTL = 30 * time.Second

// SearchCache stores serialized CRM search responses keyed by user and query.
// Entries are never invalidated explicitly; readers accept results up to the
// TTL old.
type SearchCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// SearchKey builds the cache key for one user's search.
func SearchKey(userID, kind, query string) string {
	return strings.Join([]string{"vox", "search", kind, userID, query}, ":")
}

// New returns a Redis-backed cache when client is configured and an in-process
// cache otherwise.
func New(client *redis.Client, ttl time.Duration) SearchCache {
	if client != nil {
		return NewRedisSearchCache(client, ttl)
	}
	return NewMemorySearchCache(ttl)
}
