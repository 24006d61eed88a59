package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type l1Entry struct {
	value     []byte
	expiresAt time.Time
}

// L1 is the in-process cache tier. Entries expire after the configured TTL;
// a background sweep reclaims expired entries that are never read again.
type L1 struct {
	mu      sync.RWMutex
	entries map[string]l1Entry
	ttl     time.Duration
}

// NewL1 creates an empty in-process cache tier.
func NewL1(ttl time.Duration) *L1 {
	return &L1{entries: make(map[string]l1Entry), ttl: ttl}
}

// Get returns the cached value for key, or ok=false on miss or expiry.
func (c *L1) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key with the tier TTL.
func (c *L1) Set(key string, value []byte) {
	c.mu.Lock()
	c.entries[key] = l1Entry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete removes key.
func (c *L1) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeletePrefix removes every entry whose key starts with prefix.
func (c *L1) DeletePrefix(prefix string) {
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Flush removes every entry.
func (c *L1) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]l1Entry)
	c.mu.Unlock()
}

// Len returns the number of resident entries, expired or not.
func (c *L1) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run sweeps expired entries until the context is cancelled. Blocks; call in
// a goroutine.
func (c *L1) Run(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
