package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCache is an in-process Backend backed by a TTL-aware LRU, the
// single-worker/dev default. Per-entry TTL is fixed at construction time
// (expirable.LRU applies one TTL to the whole cache), which matches the
// single "TTL on store defaults to 30 days" rule this cache follows —
// there is no per-entry TTL override in this backend.
type LRUCache struct {
	mu    sync.Mutex
	inner *lru.LRU[string, Result]
}

// NewLRUCache creates an in-process cache holding up to size entries, each
// expiring ttl after it was set.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{inner: lru.NewLRU[string, Result](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, key string) (Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.inner.Get(key)
	return res, ok, nil
}

// Set ignores ttl and uses the cache's construction-time TTL, since
// expirable.LRU has no per-Add override.
func (c *LRUCache) Set(_ context.Context, key string, result Result, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key, result)
	return nil
}

func (c *LRUCache) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.inner.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.inner.Remove(k)
		}
	}
	return nil
}

var _ Backend = (*LRUCache)(nil)
