package graphfetch

import (
	"sync"

	"github.com/hanpama/planexec/internal/cache"
	"github.com/hanpama/planexec/internal/plan"
)

// Registry creates graph fetch caches on demand over one backing store, so
// that a long-running process reuses them across requests. Each cache keys
// the store by its kind and sub tree as well as the mapping and instance
// set, so caches sharing the store never read each other's entries.
type Registry struct {
	store cache.ExecutionCache[CacheKey, any]
	copy  DeepCopyFunc

	mu       sync.Mutex
	equality []*CacheByEqualityKeys
	cross    []*CacheByTargetCrossKeys
}

func NewRegistry(store cache.ExecutionCache[CacheKey, any], copy DeepCopyFunc) *Registry {
	return &Registry{store: store, copy: copy}
}

// EqualityCache returns the cache for a root fetch scope, creating it when
// no cache serves the scope and subTree yet.
func (r *Registry) EqualityCache(mappingID, instanceSetID, subTree string) *CacheByEqualityKeys {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := FindCacheByEqualityKeys(r.equality, mappingID, instanceSetID, subTree); c != nil {
		return c
	}
	c := NewCacheByEqualityKeys(mappingID, instanceSetID, r.store, r.copy)
	if err := c.SetSubTree(subTree); err != nil {
		return nil
	}
	r.equality = append(r.equality, c)
	return c
}

// CrossKeyCache returns the cache for a cross-store property, creating it
// when needed.
func (r *Registry) CrossKeyCache(d *plan.XStoreDetails) *CacheByTargetCrossKeys {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := FindCacheByTargetCrossKeys(r.cross, d); c != nil {
		return c
	}
	c := NewCacheByTargetCrossKeys(d.TargetMappingID, d.TargetSetID, d.TargetPropertiesOrdered, r.store, r.copy)
	if err := c.SetSubTree(d.SubTree); err != nil {
		return nil
	}
	r.cross = append(r.cross, c)
	return c
}
