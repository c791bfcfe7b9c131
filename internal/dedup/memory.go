package dedup

import (
	"context"
	"sync"
	"time"

	"ltv-alert/internal/core"
)

type memoryEntry struct {
	state     core.BreachState
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with lazy expiry
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		nowFunc: time.Now,
	}
}

// WithClock replaces the clock, for tests
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.nowFunc = now
	return c
}

func (c *MemoryCache) GetLastState(_ context.Context, key Key) (core.BreachState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	entry, ok := c.entries[k]
	if !ok {
		return core.BreachState{}, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.nowFunc().Before(entry.expiresAt) {
		delete(c.entries, k)
		return core.BreachState{}, false, nil
	}
	return entry.state, true, nil
}

func (c *MemoryCache) SetState(_ context.Context, key Key, state core.BreachState, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{state: state}
	if ttl > 0 {
		entry.expiresAt = c.nowFunc().Add(ttl)
	}
	c.entries[key.String()] = entry
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.String())
	return nil
}

// Len returns the number of stored entries, expired or not
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) Close() error { return nil }
