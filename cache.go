package modelrpc

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/broady/modelrpc/schema"
	"github.com/broady/modelrpc/wire"
)

// Cache stores responses of cacheable methods. Keys start with
// "<Service>/" so a service's entries can be dropped together.
type Cache interface {
	Get(ctx context.Context, key string) (any, bool)
	Set(ctx context.Context, key string, v any, ttl time.Duration)
	InvalidatePrefix(ctx context.Context, prefix string)
}

type cacheEntry struct {
	v       any
	expires time.Time
}

// MemoryCache is an in-process Cache with per-entry expiry.
type MemoryCache struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewMemoryCache returns an empty cache. now is the clock used for expiry.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{now: now, entries: make(map[string]cacheEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.v, true
}

func (c *MemoryCache) Set(_ context.Context, key string, v any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{v: v, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) InvalidatePrefix(_ context.Context, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of live and expired entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cacheKey derives the key of a request: service and method followed by
// the blake3 digest of everything that can change the response.
func cacheKey(rc *RequestContext, req any) (string, error) {
	fp := map[string]any{
		"request": exposed(req),
	}
	for _, k := range []string{MetaPagination, MetaFilters, MetaOrdering} {
		if vs := rc.Metadata().Values(k); len(vs) > 0 {
			fp[k] = vs
		}
	}
	if u := rc.User(); u != nil {
		fp["user"] = u.ID
	}
	data, err := wire.MarshalCBOR(fp)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return rc.Service() + "/" + rc.Method() + "/" + hex.EncodeToString(sum[:]), nil
}

// cacheLookup returns a cached response for cacheable unary methods. key
// is empty when the response must not be cached.
func (a *App) cacheLookup(rc *RequestContext, r *route, req any) (res any, hit bool, key string) {
	if a.cache == nil || !r.method.Cacheable || r.method.Streaming != schema.Unary || a.settings.CacheTTL <= 0 {
		return nil, false, ""
	}
	key, err := cacheKey(rc, req)
	if err != nil {
		rc.Logger().Debug("request not cacheable", "error", err)
		return nil, false, ""
	}
	if v, ok := a.cache.Get(rc, key); ok {
		rc.mu.Lock()
		rc.cacheHit = true
		rc.mu.Unlock()
		return v, true, key
	}
	return nil, false, key
}
