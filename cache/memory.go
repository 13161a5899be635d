package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memorySearchCache struct {
	store *gocache.Cache
}

// NewMemorySearchCache returns a per-process cache. Instances behind a load
// balancer do not share entries.
func NewMemorySearchCache(ttl time.Duration) SearchCache {
	if ttl <= 0 {
		ttl = DefaultSearchTTL
	}
	return &memorySearchCache{store: gocache.New(ttl, 2*ttl)}
}

func (m *memorySearchCache) Get(_ context.Context, key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	value, ok := m.store.Get(key)
	if !ok {
		return nil, false
	}
	data, ok := value.([]byte)
	return data, ok
}

func (m *memorySearchCache) Set(_ context.Context, key string, value []byte) {
	if key == "" || value == nil {
		return
	}
	m.store.SetDefault(key, value)
}
