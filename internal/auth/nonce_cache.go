package auth

import (
	"sync"
	"time"
)

// NonceCache remembers signed-request nonces until they expire so a captured
// request cannot be replayed inside the timestamp window.
type NonceCache struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	defaultTTL time.Duration
	now        func() time.Time
}

func NewNonceCache(defaultTTL time.Duration) *NonceCache {
	if defaultTTL <= 0 {
		defaultTTL = 360 * time.Second
	}
	return &NonceCache{seen: map[string]time.Time{}, defaultTTL: defaultTTL, now: time.Now}
}

// Remember records nonce and reports whether it was unseen. A zero
// expiresAt uses the default TTL.
func (c *NonceCache) Remember(nonce string, expiresAt time.Time) bool {
	if nonce == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	for n, exp := range c.seen {
		if !exp.After(now) {
			delete(c.seen, n)
		}
	}
	if _, ok := c.seen[nonce]; ok {
		return false
	}
	if expiresAt.IsZero() {
		expiresAt = now.Add(c.defaultTTL)
	}
	c.seen[nonce] = expiresAt
	return true
}

func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
