package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/entitle/pkg/rbac"
)

// MemoryConfig configures a MemoryCache
type MemoryConfig struct {
	// Size is the maximum number of principals kept
	Size int
	// TTL is the upper bound on entry lifetime; Put may ask for less
	TTL time.Duration
	// Now is the clock used for per-entry expiry
	Now func() time.Time
}

// DefaultMemoryConfig returns the default in-process cache settings
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Size: 10000,
		TTL:  rbac.DefaultCacheTTL,
	}
}

type entry struct {
	result    rbac.Effective
	expiresAt time.Time
}

// Stats reports cache activity
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// MemoryCache is a bounded in-process DecisionCache
type MemoryCache struct {
	lru    *lru.LRU[rbac.PrincipalID, entry]
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates an in-process cache
func NewMemoryCache(cfg MemoryConfig) *MemoryCache {
	def := DefaultMemoryConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &MemoryCache{
		lru: lru.NewLRU[rbac.PrincipalID, entry](cfg.Size, nil, cfg.TTL),
		now: cfg.Now,
	}
}

// Get returns the live entry for principal, if any
func (c *MemoryCache) Get(_ context.Context, principal rbac.PrincipalID) (rbac.Effective, bool, error) {
	e, ok := c.lru.Get(principal)
	if !ok {
		c.misses.Add(1)
		return rbac.Effective{}, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.lru.Remove(principal)
		c.misses.Add(1)
		return rbac.Effective{}, false, nil
	}
	c.hits.Add(1)
	return e.result.Clone(), true, nil
}

// Put replaces the entry for principal. The cache keeps its own copy of
// result.
func (c *MemoryCache) Put(_ context.Context, principal rbac.PrincipalID, result rbac.Effective, ttl time.Duration) error {
	c.lru.Add(principal, entry{result: result.Clone(), expiresAt: c.now().Add(ttl)})
	return nil
}

// Invalidate drops the entry for principal
func (c *MemoryCache) Invalidate(_ context.Context, principal rbac.PrincipalID) error {
	c.lru.Remove(principal)
	return nil
}

// InvalidateAll drops every entry
func (c *MemoryCache) InvalidateAll(context.Context) error {
	c.lru.Purge()
	return nil
}

// Stats returns hit, miss and size counters
func (c *MemoryCache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.lru.Len(),
	}
}
