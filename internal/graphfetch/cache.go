package graphfetch

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hanpama/planexec/internal/cache"
	"github.com/hanpama/planexec/internal/plan"
)

var (
	// ErrScopeMismatch is returned for a key outside the cache's mapping
	// and instance set.
	ErrScopeMismatch = errors.New("graphfetch: key belongs to another mapping or instance set")
	// ErrSubTreeMismatch is returned when a cache already serves another
	// fetch shape.
	ErrSubTreeMismatch = errors.New("graphfetch: cache already used for another sub tree")
)

// Cache is the part shared by graph fetch caches: the scope they serve and
// the fetch shape that populated them.
type Cache interface {
	MappingID() string
	InstanceSetID() string
	SubTree() string
	SetSubTree(subTree string) error
	IsCacheUtilized() bool
	IsValidForPlan(p *plan.SingleExecutionPlan) bool
}

type scope struct {
	mappingID     string
	instanceSetID string
	copy          DeepCopyFunc

	mu      sync.Mutex
	subTree string
}

func (s *scope) MappingID() string     { return s.mappingID }
func (s *scope) InstanceSetID() string { return s.instanceSetID }

func (s *scope) SubTree() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subTree
}

// SetSubTree records the fetch shape on first use. Setting the same shape
// again is allowed; a different one is refused.
func (s *scope) SetSubTree(subTree string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subTree == "" {
		s.subTree = subTree
		return nil
	}
	if s.subTree != subTree {
		return fmt.Errorf("%w: have %q, got %q", ErrSubTreeMismatch, s.subTree, subTree)
	}
	return nil
}

func (s *scope) IsCacheUtilized() bool { return s.SubTree() != "" }

func (s *scope) check(k CacheKey) error {
	if k.MappingID != s.mappingID || k.InstanceSetID != s.instanceSetID {
		return fmt.Errorf("%w: cache (%s, %s), key (%s, %s)", ErrScopeMismatch,
			s.mappingID, s.instanceSetID, k.MappingID, k.InstanceSetID)
	}
	return nil
}

// Store key spaces. A root object fetched with one sub tree is never served
// to a fetch of another, and cross-key children never share keys with roots.
const (
	spaceEquality = "eq"
	spaceCrossKey = "xk"
)

// CacheByEqualityKeys caches root objects by their identity tuple. Values are
// deep copied on every read.
type CacheByEqualityKeys struct {
	scope
	store cache.ExecutionCache[CacheKey, any]
}

// NewCacheByEqualityKeys returns a cache for one mapping and instance set.
// A nil copy uses DeepCopy.
func NewCacheByEqualityKeys(mappingID, instanceSetID string, store cache.ExecutionCache[CacheKey, any], copy DeepCopyFunc) *CacheByEqualityKeys {
	if copy == nil {
		copy = DeepCopy
	}
	return &CacheByEqualityKeys{
		scope: scope{mappingID: mappingID, instanceSetID: instanceSetID, copy: copy},
		store: store,
	}
}

// Get returns an independent copy of the cached object.
func (c *CacheByEqualityKeys) Get(k CacheKey) (any, bool, error) {
	if err := c.check(k); err != nil {
		return nil, false, err
	}
	v, ok := c.store.Get(c.storeKey(k))
	if !ok {
		return nil, false, nil
	}
	return c.copy(v), true, nil
}

func (c *CacheByEqualityKeys) Put(k CacheKey, v any) error {
	if err := c.check(k); err != nil {
		return err
	}
	c.store.Put(c.storeKey(k), c.copy(v))
	return nil
}

func (c *CacheByEqualityKeys) storeKey(k CacheKey) CacheKey {
	k.Space = spaceEquality + "/" + c.SubTree()
	return k
}

// IsValidForPlan is always true: identity keys do not depend on plan shape.
func (c *CacheByEqualityKeys) IsValidForPlan(*plan.SingleExecutionPlan) bool { return true }

// CacheByTargetCrossKeys caches the children found for a cross-store
// property, keyed by the target's cross key values.
type CacheByTargetCrossKeys struct {
	scope
	targetProperties []string
	store            cache.ExecutionCache[CacheKey, any]
}

// NewCacheByTargetCrossKeys returns a cache for the target mapping and set.
// targetProperties names the cross keys in the order values are supplied.
func NewCacheByTargetCrossKeys(mappingID, instanceSetID string, targetProperties []string, store cache.ExecutionCache[CacheKey, any], copy DeepCopyFunc) *CacheByTargetCrossKeys {
	if copy == nil {
		copy = DeepCopy
	}
	return &CacheByTargetCrossKeys{
		scope:            scope{mappingID: mappingID, instanceSetID: instanceSetID, copy: copy},
		targetProperties: append([]string(nil), targetProperties...),
		store:            store,
	}
}

func (c *CacheByTargetCrossKeys) TargetPropertiesOrdered() []string { return c.targetProperties }

func (c *CacheByTargetCrossKeys) key(values []any) CacheKey {
	k := NewCacheKey(c.mappingID, c.instanceSetID, values...)
	k.Space = spaceCrossKey + "/" + strings.Join(c.targetProperties, ",") + "/" + c.SubTree()
	return k
}

// Get returns copies of the children cached for the cross key values. An
// entry that is not a child list counts as a miss.
func (c *CacheByTargetCrossKeys) Get(values []any) ([]any, bool) {
	v, ok := c.store.Get(c.key(values))
	if !ok {
		return nil, false
	}
	children, ok := c.copy(v).([]any)
	return children, ok
}

func (c *CacheByTargetCrossKeys) Put(values []any, children []any) {
	c.store.Put(c.key(values), c.copy(append([]any{}, children...)))
}

func (c *CacheByTargetCrossKeys) IsValidForPlan(*plan.SingleExecutionPlan) bool { return true }

// FindCacheByEqualityKeys picks the cache serving mapping and set for
// subTree. A cache already utilized for the same subTree wins; otherwise the
// first unutilized cache for the scope is claimed for subTree. It returns nil
// when neither exists.
func FindCacheByEqualityKeys(caches []*CacheByEqualityKeys, mappingID, instanceSetID, subTree string) *CacheByEqualityKeys {
	for _, c := range caches {
		if c.MappingID() == mappingID && c.InstanceSetID() == instanceSetID && c.IsCacheUtilized() && c.SubTree() == subTree {
			return c
		}
	}
	for _, c := range caches {
		if c.MappingID() == mappingID && c.InstanceSetID() == instanceSetID && !c.IsCacheUtilized() {
			if err := c.SetSubTree(subTree); err != nil {
				continue
			}
			return c
		}
	}
	return nil
}

// FindCacheByTargetCrossKeys picks the cross-key cache for a cross-store
// property, claiming an unutilized one the same way FindCacheByEqualityKeys
// does. The cache's target properties must equal d's.
func FindCacheByTargetCrossKeys(caches []*CacheByTargetCrossKeys, d *plan.XStoreDetails) *CacheByTargetCrossKeys {
	matches := func(c *CacheByTargetCrossKeys) bool {
		if c.MappingID() != d.TargetMappingID || c.InstanceSetID() != d.TargetSetID {
			return false
		}
		if len(c.targetProperties) != len(d.TargetPropertiesOrdered) {
			return false
		}
		for i, p := range c.targetProperties {
			if p != d.TargetPropertiesOrdered[i] {
				return false
			}
		}
		return true
	}
	for _, c := range caches {
		if matches(c) && c.IsCacheUtilized() && c.SubTree() == d.SubTree {
			return c
		}
	}
	for _, c := range caches {
		if matches(c) && !c.IsCacheUtilized() {
			if err := c.SetSubTree(d.SubTree); err != nil {
				continue
			}
			return c
		}
	}
	return nil
}
