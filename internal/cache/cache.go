// Package cache keeps recently fetched ciphertext chunks in memory so that
// repeated downloads of the same file skip the network.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// ChunkKey identifies a ciphertext chunk by object and byte offset.
type ChunkKey struct {
	Address string
	Offset  int64
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%s:%d", k.Address, k.Offset)
}

// Entry is a cached chunk.
type Entry struct {
	Data      []byte
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache stores ciphertext chunks. Content addresses are immutable, so a
// cached chunk never goes stale; the TTL only bounds memory residency.
type Cache interface {
	Get(ctx context.Context, key ChunkKey) ([]byte, bool)
	Set(ctx context.Context, key ChunkKey, data []byte) error
	// Invalidate drops every chunk of an object.
	Invalidate(ctx context.Context, address string) error
	Stats() Stats
}

// Stats holds cache statistics.
type Stats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type item struct {
	key   ChunkKey
	entry Entry
}

// memoryCache is an LRU cache bounded by total bytes and item count.
type memoryCache struct {
	mu       sync.Mutex
	items    map[ChunkKey]*list.Element
	order    *list.List
	size     int64
	maxSize  int64
	maxItems int
	ttl      time.Duration
	stats    Stats
}

// NewMemoryCache creates a new in-memory chunk cache.
func NewMemoryCache(maxSize int64, maxItems int, ttl time.Duration) Cache {
	return &memoryCache{
		items:    make(map[ChunkKey]*list.Element),
		order:    list.New(),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      ttl,
	}
}

func (c *memoryCache) Get(_ context.Context, key ChunkKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	it := el.Value.(*item)
	if it.entry.IsExpired() {
		c.removeLocked(el)
		c.stats.Misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	return it.entry.Data, true
}

func (c *memoryCache) Set(_ context.Context, key ChunkKey, data []byte) error {
	size := int64(len(data))
	if size > c.maxSize {
		return fmt.Errorf("chunk of %d bytes exceeds cache size %d", size, c.maxSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	for c.order.Len() > 0 && (c.size+size > c.maxSize || c.order.Len() >= c.maxItems) {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
	}

	el := c.order.PushFront(&item{key: key, entry: Entry{Data: data, ExpiresAt: time.Now().Add(c.ttl)}})
	c.items[key] = el
	c.size += size
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.items {
		if key.Address == address {
			c.removeLocked(el)
		}
	}
	return nil
}

func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.Items = c.order.Len()
	return stats
}

// removeLocked must be called with c.mu held.
func (c *memoryCache) removeLocked(el *list.Element) {
	it := el.Value.(*item)
	c.order.Remove(el)
	delete(c.items, it.key)
	c.size -= int64(len(it.entry.Data))
}
