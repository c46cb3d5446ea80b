package store

import (
	"sync"
	"time"
)

// failureKey identifies a (fingerprint, backend) pair in the negative cache.
type failureKey struct {
	fingerprint string
	backend     string
}

// FailureCache is a short-TTL negative cache keyed by (fingerprint,
// backend), suppressing retry storms after connection failures. Only
// connection failures are ever recorded here; sign refusals never are.
type FailureCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[failureKey]time.Time
	now     func() time.Time // overridable in tests
}

// NewFailureCache returns a FailureCache with the given TTL.
func NewFailureCache(ttl time.Duration) *FailureCache {
	return &FailureCache{
		ttl:     ttl,
		expires: make(map[failureKey]time.Time),
		now:     time.Now,
	}
}

// MarkFailed records a connection failure for (fingerprint, backend),
// expiring TTL from now.
func (c *FailureCache) MarkFailed(fingerprint, backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires[failureKey{fingerprint, backend}] = c.now().Add(c.ttl)
}

// IsCached reports whether (fingerprint, backend) has an unexpired failure
// entry.
func (c *FailureCache) IsCached(fingerprint, backend string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.expires[failureKey{fingerprint, backend}]
	if !ok {
		return false
	}
	if !c.now().Before(expiry) {
		delete(c.expires, failureKey{fingerprint, backend})
		return false
	}
	return true
}

// Clear removes any failure entry for (fingerprint, backend).
func (c *FailureCache) Clear(fingerprint, backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expires, failureKey{fingerprint, backend})
}

// Len reports the number of tracked entries, including possibly-expired
// ones not yet swept by IsCached; used for Stats().
func (c *FailureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expires)
}
