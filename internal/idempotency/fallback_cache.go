package idempotency

import (
	"container/list"
	"sync"
	"time"

	"github.com/pagecraft/server/internal/storage"
)

// FallbackCache is a bounded in-process idempotency record cache with LRU
// eviction. It serves reservations while the durable store is unreachable so
// a single-instance deployment stays correct. It is NOT cross-process
// consistent: two server processes each see their own cache, so this is a
// documented degraded mode, not an equivalent of the durable path.
type FallbackCache struct {
	mu          sync.Mutex
	cache       map[string]*cacheEntry
	lru         *list.List
	maxSize     int
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type cacheEntry struct {
	key     string
	record  storage.IdempotencyRecord
	element *list.Element
}

// NewFallbackCache creates a bounded cache with the given capacity.
func NewFallbackCache(maxSize int) *FallbackCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &FallbackCache{
		cache:       make(map[string]*cacheEntry),
		lru:         list.New(),
		maxSize:     maxSize,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Reserve atomically creates a pending record if the key is absent or
// expired. Returns whether this caller won the reservation.
func (c *FallbackCache) Reserve(key string, ttl time.Duration) bool {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.cache[key]; exists {
		if !entry.record.Expired(now) {
			return false
		}
		// Expired reservation no longer guards anything; reclaim in place.
		entry.record = storage.IdempotencyRecord{
			Key:       key,
			Status:    storage.IdempotencyPending,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
		}
		c.lru.MoveToFront(entry.element)
		return true
	}

	// Evict before adding so the map never exceeds maxSize even under
	// concurrent duplicate traffic.
	if len(c.cache) >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		key: key,
		record: storage.IdempotencyRecord{
			Key:       key,
			Status:    storage.IdempotencyPending,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
		},
	}
	entry.element = c.lru.PushFront(entry)
	c.cache[key] = entry
	return true
}

// Complete transitions a reserved key to completed with its outcome.
func (c *FallbackCache) Complete(key, jobID, resultID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.cache[key]
	if !exists {
		return
	}
	entry.record.Status = storage.IdempotencyCompleted
	entry.record.JobID = jobID
	entry.record.ResultID = resultID
	c.lru.MoveToFront(entry.element)
}

// Lookup returns a completed, unexpired record. Pending entries look absent:
// they must never be mistaken for a cached success.
func (c *FallbackCache) Lookup(key string) (storage.IdempotencyRecord, bool) {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.cache[key]
	if !exists || entry.record.Status != storage.IdempotencyCompleted || entry.record.Expired(now) {
		return storage.IdempotencyRecord{}, false
	}
	c.lru.MoveToFront(entry.element)
	return entry.record, true
}

// Release drops a pending reservation after a failed submission.
func (c *FallbackCache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.cache[key]; exists && entry.record.Status == storage.IdempotencyPending {
		c.lru.Remove(entry.element)
		delete(c.cache, key)
	}
}

// Len reports the number of cached records.
func (c *FallbackCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// evictLRU removes the least recently used entry (caller must hold lock).
func (c *FallbackCache) evictLRU() {
	element := c.lru.Back()
	if element == nil {
		return
	}
	entry := element.Value.(*cacheEntry)
	c.lru.Remove(element)
	delete(c.cache, entry.key)
}

// cleanup periodically removes expired entries.
func (c *FallbackCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	defer close(c.cleanupDone)

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			now := time.Now().UTC()

			c.mu.Lock()
			var expired []*cacheEntry
			for _, entry := range c.cache {
				if entry.record.Expired(now) {
					expired = append(expired, entry)
				}
			}
			for _, entry := range expired {
				c.lru.Remove(entry.element)
				delete(c.cache, entry.key)
			}
			c.mu.Unlock()
		}
	}
}

// Stop gracefully shuts down the cleanup goroutine.
func (c *FallbackCache) Stop() {
	close(c.stopCleanup)
	<-c.cleanupDone
}
