// Package cache stores auto-classifier routing decisions so identical
// conversations don't re-hit the classification endpoint on every request.
package cache

import (
	"context"
	"time"
)

// Decision is a cached auto-classifier outcome for a given candidate hash.
// Route is empty when the classifier found no match (a negative cache entry) --
// Hit still reports true so the caller knows not to call the classifier again.
type Decision struct {
	Route     string    `json:"route"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache defines storage for classifier decisions, keyed by a hash of the
// candidate route set and the non-system conversation turns. Implementations
// must be safe for concurrent use.
type Cache interface {
	// Get returns the cached decision for key. hit is false on a miss or an
	// expired entry; a miss is never an error.
	Get(ctx context.Context, key string) (decision Decision, hit bool, err error)

	// Set stores decision under key with the given time-to-live.
	Set(ctx context.Context, key string, decision Decision, ttl time.Duration) error

	// Close releases any resources held by the cache.
	Close() error
}
