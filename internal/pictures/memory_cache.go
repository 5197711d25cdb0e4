package pictures

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is the single-process fallback used when no bucket is
// configured. Entries expire so an updated image behind the same URL
// is eventually picked up.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	max     int
}

type memoryEntry struct {
	data     []byte
	storedAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     6 * time.Hour,
		max:     64,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

func (c *MemoryCache) Put(_ context.Context, key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// crude eviction: drop the stalest entry when full
	if len(c.entries) >= c.max {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.storedAt.Before(oldest) {
				oldestKey, oldest = k, e.storedAt
			}
		}
		delete(c.entries, oldestKey)
	}

	c.entries[key] = memoryEntry{data: data, storedAt: time.Now()}
}
