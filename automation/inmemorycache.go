package automation

import (
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryRulesCache is a per-account in-memory implementation of
// RulesCache. Thread-safe for concurrent access.
type InMemoryRulesCache struct {
	entries map[string]*cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache.
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[string]*cacheEntry),
		config:  config,
	}
}

// Get retrieves cached rules for an account. Returns nil on miss or
// when the entry has outlived the configured TTL.
func (c *InMemoryRulesCache) Get(accountID string) []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[accountID]
	if !ok {
		return nil
	}
	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil
	}

	// Return a copy so callers cannot mutate the cached slice.
	rules := make([]*Rule, len(entry.rules))
	copy(rules, entry.rules)
	return rules
}

// Set stores the active rules for an account.
func (c *InMemoryRulesCache) Set(accountID string, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]*Rule, len(rules))
	copy(stored, rules)
	c.entries[accountID] = &cacheEntry{rules: stored, cachedAt: time.Now()}
}

// Invalidate clears one account's cache entry.
func (c *InMemoryRulesCache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
}

// InvalidateAll clears the whole cache.
func (c *InMemoryRulesCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}
