package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// IdempotencyKey derives the dedupe key for a signal: the first 32 hex chars
// of SHA-256(signal_id).
func IdempotencyKey(signalID string) string {
	sum := sha256.Sum256([]byte(signalID))
	return hex.EncodeToString(sum[:])[:32]
}

// IdempotencyCache stores order results keyed by idempotency key so a
// duplicate signal returns the original result instead of double-ordering.
type IdempotencyCache interface {
	Get(key string) (OrderResult, bool)
	Set(key string, result OrderResult, ttl time.Duration)
	Delete(key string)
	// Sweep drops expired entries and returns how many were removed.
	Sweep() int
	Len() int
}

type memoryEntry struct {
	result    OrderResult
	expiresAt time.Time
}

// MemoryCache is the default in-process idempotency backend.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the cached result if present and unexpired.
func (c *MemoryCache) Get(key string) (OrderResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return OrderResult{}, false
	}
	return entry.result, true
}

// Set stores a result with the given TTL.
func (c *MemoryCache) Set(key string, result OrderResult, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = memoryEntry{result: result, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes one entry.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Sweep removes expired entries. Run by the scheduler every 60s.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the live entry count, expired included until swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
