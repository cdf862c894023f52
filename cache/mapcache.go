package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MapCache is a small in-process cache whose entries expire a fixed time
// after they were last set. Reads never extend an entry's lifetime.
type MapCache[V any] struct {
	cache *ttlcache.Cache[string, V]
}

// NewMapCache builds a cache with the given entry lifetime.
func NewMapCache[V any](ttl time.Duration) *MapCache[V] {
	return &MapCache[V]{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, V](ttl),
			ttlcache.WithDisableTouchOnHit[string, V](),
		),
	}
}

// Get returns the value for id if present and not expired.
func (m *MapCache[V]) Get(id string) (V, bool) {
	item := m.cache.Get(id)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set stores value under id, resetting its lifetime.
func (m *MapCache[V]) Set(id string, value V) {
	m.cache.Set(id, value, ttlcache.DefaultTTL)
}
