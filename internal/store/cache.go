package store

import (
	"sync"
	"time"
)

const (
	sessionCacheTTL = 5 * time.Minute
	userCacheTTL    = time.Hour
	otpCacheTTL     = 5 * time.Minute
)

type cacheItem struct {
	value     any
	expiresAt time.Time
}

// cache is a small TTL map in front of storage. An item never outlives the
// record it holds: its deadline is the earlier of the cache TTL and the
// record's own expiry.
type cache struct {
	mu    sync.Mutex
	items map[string]cacheItem
	now   func() time.Time
}

func newCache(now func() time.Time) *cache {
	return &cache{items: make(map[string]cacheItem), now: now}
}

func (c *cache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(item.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return item.value, true
}

// set stores value until now+ttl, or until recordExpiry if that is sooner.
// A zero recordExpiry means the record does not expire.
func (c *cache) set(key string, value any, ttl time.Duration, recordExpiry time.Time) {
	now := c.now()
	deadline := now.Add(ttl)
	if !recordExpiry.IsZero() && recordExpiry.Before(deadline) {
		deadline = recordExpiry
	}
	if !now.Before(deadline) {
		c.delete(key)
		return
	}

	c.mu.Lock()
	c.items[key] = cacheItem{value: value, expiresAt: deadline}
	c.mu.Unlock()
}

func (c *cache) delete(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.items, k)
	}
	c.mu.Unlock()
}

// sweep drops expired items and returns how many it removed.
func (c *cache) sweep() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for k, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}
