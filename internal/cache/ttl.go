package cache

import (
	"sync"
	"time"

	"github.com/zivhm/MAHORAGA/internal/observ"
)

// Entry is a cached value with the time it was stored. An entry is valid while
// now - StoredAt < ttl.
type Entry[V any] struct {
	Value    V         `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// TTL is a keyed cache with one freshness rule shared by every caller.
type TTL[V any] struct {
	mu      sync.RWMutex
	name    string
	ttl     time.Duration
	entries map[string]Entry[V]
}

// RefreshFunc produces a new value for a key. ok=false means "no value": nothing is
// cached and the caller sees a miss.
type RefreshFunc[V any] func() (value V, ok bool, err error)

func NewTTL[V any](name string, ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		name:    name,
		ttl:     ttl,
		entries: make(map[string]Entry[V]),
	}
}

// Get returns the value for key if present and fresh at now.
func (c *TTL[V]) Get(key string, now time.Time) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	ok = ok && c.fresh(e, now)
	c.mu.RUnlock()

	if !ok {
		observ.IncCounter("cache_miss_total", map[string]string{"cache": c.name})
		var zero V
		return zero, false
	}
	observ.IncCounter("cache_hit_total", map[string]string{"cache": c.name})
	return e.Value, true
}

// Set stores value under key, overwriting any prior entry.
func (c *TTL[V]) Set(key string, value V, now time.Time) {
	c.mu.Lock()
	c.entries[key] = Entry[V]{Value: value, StoredAt: now}
	c.mu.Unlock()
}

// GetOrRefresh returns the fresh cached value, or calls refresh and caches its result.
// Errors and ok=false results are not cached.
func (c *TTL[V]) GetOrRefresh(key string, now time.Time, refresh RefreshFunc[V]) (V, bool, error) {
	if v, ok := c.Get(key, now); ok {
		return v, true, nil
	}
	v, ok, err := refresh()
	if err != nil || !ok {
		var zero V
		return zero, false, err
	}
	c.Set(key, v, now)
	return v, true, nil
}

func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *TTL[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry[V])
	c.mu.Unlock()
}

// SetTTL changes the freshness window; existing entries are judged by the new value.
func (c *TTL[V]) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fresh returns a copy of all entries still valid at now.
func (c *TTL[V]) Fresh(now time.Time) map[string]Entry[V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry[V], len(c.entries))
	for k, e := range c.entries {
		if c.fresh(e, now) {
			out[k] = e
		}
	}
	return out
}

// Export returns all entries for persistence, expired ones included.
func (c *TTL[V]) Export() map[string]Entry[V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry[V], len(c.entries))
	for k, e := range c.entries {
		out[k] = e
	}
	return out
}

// Restore replaces the cache contents wholesale.
func (c *TTL[V]) Restore(entries map[string]Entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry[V], len(entries))
	for k, e := range entries {
		c.entries[k] = e
	}
}

// Cleanup drops expired entries and returns how many were removed.
func (c *TTL[V]) Cleanup(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for k, e := range c.entries {
		if !c.fresh(e, now) {
			delete(c.entries, k)
			evicted++
		}
	}
	if evicted > 0 {
		observ.IncCounterBy("cache_evictions_total", map[string]string{"cache": c.name}, float64(evicted))
	}
	return evicted
}

func (c *TTL[V]) fresh(e Entry[V], now time.Time) bool {
	return now.Sub(e.StoredAt) < c.ttl
}
