package automation

import "time"

// RulesCache caches the active-rules list per account, so that a burst
// of inbound events does not hit the rule store once per event. The
// management surface invalidates the owning account on every mutation.
type RulesCache interface {
	// Get retrieves cached rules for an account; nil on miss or expiry.
	Get(accountID string) []*Rule

	// Set stores the active rules for an account.
	Set(accountID string, rules []*Rule)

	// Invalidate clears one account's entry.
	Invalidate(accountID string)

	// InvalidateAll clears every entry.
	InvalidateAll()
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL is the time-to-live for cached entries. 0 means no expiry,
	// manual invalidation only.
	TTL time.Duration
}

// DefaultCacheConfig returns the default rule-cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
