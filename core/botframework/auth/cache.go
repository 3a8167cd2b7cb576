package auth

import (
	"crypto/rsa"
	"sync"
	"time"
)

// SigningKey is a verification key published in an OpenID JWKS document.
// Endorsements list the channel ids the key may sign tokens for.
type SigningKey struct {
	ID           string
	Key          *rsa.PublicKey
	Endorsements []string
}

// Endorses reports whether the key is endorsed for channelID.
func (k *SigningKey) Endorses(channelID string) bool {
	for _, e := range k.Endorsements {
		if e == channelID {
			return true
		}
	}
	return false
}

type cacheEntry struct {
	key       *SigningKey
	expiresAt time.Time
}

// keyCache holds signing keys with a TTL. It is safe for concurrent use.
type keyCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newKeyCache(ttl time.Duration) *keyCache {
	return &keyCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// get returns nil when the key is unknown or expired.
func (c *keyCache) get(keyID string) *SigningKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[keyID]
	if !ok || c.now().After(entry.expiresAt) {
		return nil
	}
	return entry.key
}

// replace swaps the cached key set for keys, dropping anything that was rotated out.
func (c *keyCache) replace(keys []*SigningKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	c.entries = make(map[string]cacheEntry, len(keys))
	for _, k := range keys {
		c.entries[k.ID] = cacheEntry{key: k, expiresAt: expiresAt}
	}
}

func (c *keyCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
