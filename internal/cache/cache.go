// Package cache provides the small in-process TTL cache used for hot-path
// lookups: resolved identity documents (positive and negative entries) and
// per-subject role sets.
//
// Correctness-sensitive consumers must call Delete explicitly on mutation;
// expiry alone is a performance mechanism, not an invalidation mechanism.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is a TTL-aware byte cache.
type Cache interface {
	Get(key string) (value []byte, ok bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}

type memCache struct{ c *gocache.Cache }

// New builds an in-process cache. defaultTTL applies when Set is called
// with ttl == 0; expired entries are swept every minute.
func New(defaultTTL time.Duration) Cache {
	return &memCache{c: gocache.New(defaultTTL, time.Minute)}
}

func (m *memCache) Get(k string) ([]byte, bool) {
	v, ok := m.c.Get(k)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	return b, true
}

func (m *memCache) Set(k string, v []byte, ttl time.Duration) { m.c.Set(k, v, ttl) }

func (m *memCache) Delete(k string) { m.c.Delete(k) }
