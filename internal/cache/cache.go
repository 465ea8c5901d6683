// Package cache implements the expiring key-value store shared by the
// challenge table and the session token table. Keys are opaque strings;
// values are opaque until the caller type-asserts them.
package cache

import (
	"sync"
	"time"
)

const shardCount = 32

type entry struct {
	value   any
	expires time.Time
}

type shard struct {
	mu   sync.RWMutex
	data map[string]entry
}

// Cache is a sharded, TTL-expiring map. Disjoint keys in different shards
// never block each other; same-shard keys serialize through that shard's
// mutex only, not a single global lock.
type Cache struct {
	shards   [shardCount]*shard
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweep goroutine, which
// removes expired entries every sweepInterval so memory does not grow
// unbounded from keys nobody ever reads again.
func New(sweepInterval time.Duration) *Cache {
	c := &Cache{stopChan: make(chan struct{})}
	for i := range c.shards {
		c.shards[i] = &shard{data: make(map[string]entry)}
	}
	go c.sweep(sweepInterval)
	return c
}

func (c *Cache) shardFor(key string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return c.shards[h%shardCount]
}

// Put stores value under key with the given TTL, replacing any prior entry.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.data[key] = entry{value: value, expires: time.Now().Add(ttl)}
	s.mu.Unlock()
}

// Get returns the value for key and true, or (nil, false) if absent or
// expired. An expired read also removes the entry (lazy expiry).
func (c *Cache) Get(key string) (any, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.Remove(key)
		return nil, false
	}
	return e.value, true
}

// ReplaceKeepTTL overwrites the value stored under key without disturbing
// its existing expiry, returning false if key is absent or already expired
// (in which case nothing is written). Used to swap in a value for the
// remainder of an entry's original lifetime rather than granting it a
// fresh TTL.
func (c *Cache) ReplaceKeepTTL(key string, value any) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || time.Now().After(e.expires) {
		return false
	}
	e.value = value
	s.data[key] = e
	return true
}

// Remove deletes key if present. Removing an absent key is a no-op.
func (c *Cache) Remove(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, s := range c.shards {
				s.mu.Lock()
				for k, e := range s.data {
					if now.After(e.expires) {
						delete(s.data, k)
					}
				}
				s.mu.Unlock()
			}
		case <-c.stopChan:
			return
		}
	}
}

// Stop halts the background sweep goroutine. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// Len reports the total number of stored entries, for diagnostics and
// tests. Expired entries that no read or sweep has removed yet are counted.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.data)
		s.mu.RUnlock()
	}
	return n
}
