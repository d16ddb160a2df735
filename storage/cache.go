package storage

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type cacheKey struct {
	c   Category
	key string
}

// IdentityCache is an in memory read-through layer in front of a backend.
// Only committed identities must be added, the backend stays the source of truth.
// A nil *IdentityCache is valid and caches nothing.
type IdentityCache struct {
	cache *ttlcache.Cache[cacheKey, Identity]
}

// NewIdentityCache returns a cache expiring entries after ttl, capacity 0 means unbounded.
func NewIdentityCache(ttl time.Duration, capacity uint64) *IdentityCache {
	opts := []ttlcache.Option[cacheKey, Identity]{
		ttlcache.WithTTL[cacheKey, Identity](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[cacheKey, Identity](capacity))
	}
	c := ttlcache.New(opts...)
	go c.Start()
	return &IdentityCache{cache: c}
}

// Get returns the cached identity for (c, key).
func (ic *IdentityCache) Get(c Category, key string) (Identity, bool) {
	if ic == nil {
		return 0, false
	}
	item := ic.cache.Get(cacheKey{c: c, key: key})
	if item == nil {
		return 0, false
	}
	return item.Value(), true
}

// Add records a committed identity.
func (ic *IdentityCache) Add(c Category, key string, id Identity) {
	if ic == nil {
		return
	}
	ic.cache.Set(cacheKey{c: c, key: key}, id, ttlcache.DefaultTTL)
}

// Len returns the number of cached entries.
func (ic *IdentityCache) Len() int {
	if ic == nil {
		return 0
	}
	return ic.cache.Len()
}

// Close stops the expiration loop.
func (ic *IdentityCache) Close() {
	if ic == nil {
		return
	}
	ic.cache.Stop()
}
