package storage

import (
	"container/list"
	"sync"
	"time"
)

// CacheEntry represents a cached item with expiration
type CacheEntry struct {
	Key       string
	Value     interface{}
	ExpiresAt time.Time
}

// LRUCache is a thread-safe LRU cache with TTL support. The repositories
// use it to keep model metadata and decrypted secrets off the hot path.
type LRUCache struct {
	mu           sync.RWMutex
	capacity     int
	ttl          time.Duration
	items        map[string]*list.Element
	evictionList *list.List
}

// NewLRUCache creates a new LRU cache
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	return &LRUCache{
		capacity:     capacity,
		ttl:          ttl,
		items:        make(map[string]*list.Element, capacity),
		evictionList: list.New(),
	}
}

// Get retrieves an item from the cache
func (c *LRUCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.items[key]
	if !found {
		return nil, false
	}

	entry := elem.Value.(*CacheEntry)
	if time.Now().After(entry.ExpiresAt) {
		c.removeElement(elem)
		return nil, false
	}

	c.evictionList.MoveToFront(elem)
	return entry.Value, true
}

// Set adds or updates an item in the cache
func (c *LRUCache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)

	if elem, found := c.items[key]; found {
		c.evictionList.MoveToFront(elem)
		entry := elem.Value.(*CacheEntry)
		entry.Value = value
		entry.ExpiresAt = expiresAt
		return
	}

	elem := c.evictionList.PushFront(&CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiresAt,
	})
	c.items[key] = elem

	if c.evictionList.Len() > c.capacity {
		c.removeOldest()
	}
}

// Delete removes an item from the cache
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.items[key]; found {
		c.removeElement(elem)
	}
}

// Clear removes all items from the cache
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.evictionList.Init()
}

// Len returns the current number of items in the cache
func (c *LRUCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.evictionList.Len()
}

func (c *LRUCache) removeOldest() {
	if elem := c.evictionList.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.evictionList.Remove(elem)
	entry := elem.Value.(*CacheEntry)
	delete(c.items, entry.Key)
}

// CleanupExpired removes all expired items (should be called periodically)
func (c *LRUCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := c.evictionList.Back(); elem != nil; elem = next {
		next = elem.Prev()
		entry := elem.Value.(*CacheEntry)

		if now.After(entry.ExpiresAt) {
			c.removeElement(elem)
			removed++
		}
	}

	return removed
}
