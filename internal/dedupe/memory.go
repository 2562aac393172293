package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryCache is a process-local Cache backed by go-cache. The mutex makes
// each compare-and-set atomic; go-cache handles expiry.
type MemoryCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items *cache.Cache
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryCache{ttl: ttl, items: cache.New(ttl, 10*time.Minute)}
}

func (c *MemoryCache) get(hash string) (Entry, bool) {
	v, ok := c.items.Get(hash)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

func (c *MemoryCache) Lookup(_ context.Context, hash string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.get(hash)
	return e, ok, nil
}

func (c *MemoryCache) Claim(_ context.Context, hash, generationID string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.get(hash); ok {
		return e, false, nil
	}
	e := Entry{GenerationID: generationID}
	c.items.Set(hash, e, c.ttl)
	return e, true, nil
}

func (c *MemoryCache) Replace(_ context.Context, hash, oldID, newID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.get(hash); ok && e.GenerationID != oldID {
		return false, nil
	}
	c.items.Set(hash, Entry{GenerationID: newID}, c.ttl)
	return true, nil
}

func (c *MemoryCache) Complete(_ context.Context, hash, generationID, assetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.get(hash); ok && e.GenerationID == generationID {
		c.items.Set(hash, Entry{GenerationID: generationID, AssetID: assetID}, c.ttl)
	}
	return nil
}

func (c *MemoryCache) Forget(_ context.Context, hash, generationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.get(hash); ok && e.GenerationID == generationID {
		c.items.Delete(hash)
	}
	return nil
}

var _ Cache = (*MemoryCache)(nil)
