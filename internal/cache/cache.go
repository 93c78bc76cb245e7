// Package cache provides ExecutionCache, the key/value capability the
// executor is handed at construction, and its in-process implementations.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// ExecutionCache maps keys to values. A Get never returns a value for a key
// that was not Put. Implementations document their own thread safety.
type ExecutionCache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V)
}

// NoOp never stores anything. Safe for concurrent use.
type NoOp[K comparable, V any] struct{}

func (NoOp[K, V]) Get(K) (V, bool) {
	var zero V
	return zero, false
}

func (NoOp[K, V]) Put(K, V) {}

// Map is an unbounded cache. Safe for concurrent use.
type Map[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

func (c *Map[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *Map[K, V]) Put(key K, value V) {
	c.mu.Lock()
	c.m[key] = value
	c.mu.Unlock()
}

func (c *Map[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// LRU is a size-bounded cache evicting the least recently used entry.
// Entries older than the TTL are treated as absent. Safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu    sync.Mutex
	size  int
	ttl   time.Duration
	now   func() time.Time
	order *list.List
	items map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key     K
	value   V
	expires time.Time
}

// NewLRU returns a cache holding at most size entries. A ttl of zero keeps
// entries until evicted.
func NewLRU[K comparable, V any](size int, ttl time.Duration) *LRU[K, V] {
	if size <= 0 {
		size = 1
	}
	return &LRU[K, V]{
		size:  size,
		ttl:   ttl,
		now:   time.Now,
		order: list.New(),
		items: make(map[K]*list.Element),
	}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*lruEntry[K, V])
	if c.ttl > 0 && c.now().After(e.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := time.Time{}
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}
	if el, ok := c.items[key]; ok {
		e := el.Value.(*lruEntry[K, V])
		e.value, e.expires = value, expires
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value, expires: expires})
	for c.order.Len() > c.size {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.items, last.Value.(*lruEntry[K, V]).key)
	}
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
