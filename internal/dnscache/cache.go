package dnscache

import (
	"time"

	"github.com/maypok86/otter"
)

// entry carries an absolute expiry so reads never serve stale data even
// between sweeps.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// ttlCache is a bounded cache whose entries carry absolute expiry. Capacity
// eviction is handled by otter; expiry is enforced on read and by the
// periodic Sweep.
type ttlCache[V any] struct {
	cache otter.Cache[string, entry[V]]
}

func newTTLCache[V any](capacity int) *ttlCache[V] {
	cache, err := otter.MustBuilder[string, entry[V]](capacity).
		Cost(func(_ string, _ entry[V]) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("dnscache: failed to create cache: " + err.Error())
	}
	return &ttlCache[V]{cache: cache}
}

// Get returns the value when present and not expired.
func (c *ttlCache[V]) Get(key string, now time.Time) (V, bool) {
	e, ok := c.cache.Get(key)
	if !ok || now.After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value with the given TTL from now.
func (c *ttlCache[V]) Set(key string, value V, ttl time.Duration) {
	c.cache.Set(key, entry[V]{value: value, expiresAt: time.Now().Add(ttl)})
}

// Delete removes a key.
func (c *ttlCache[V]) Delete(key string) {
	c.cache.Delete(key)
}

// Sweep removes all expired entries and returns how many were evicted.
func (c *ttlCache[V]) Sweep(now time.Time) int {
	var expired []string
	c.cache.Range(func(key string, e entry[V]) bool {
		if now.After(e.expiresAt) {
			expired = append(expired, key)
		}
		return true
	})
	for _, key := range expired {
		c.cache.Delete(key)
	}
	return len(expired)
}

// Size returns the number of entries, including not-yet-swept expired ones.
func (c *ttlCache[V]) Size() int {
	return c.cache.Size()
}

// Close releases resources held by the underlying cache.
func (c *ttlCache[V]) Close() {
	c.cache.Close()
}
