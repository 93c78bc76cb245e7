package store

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrPoolManagerClosed is returned by Get after Close.
var ErrPoolManagerClosed = errors.New("store: pool manager closed")

// PoolName names the pool serving a connection for one user.
func PoolName(connectionKey, user string) string {
	return "DBPool_" + connectionKey + "_" + user
}

// PoolManager keeps named pools alive across requests and closes those left
// unused longer than the eviction duration. It is safe for concurrent use.
type PoolManager[P io.Closer] struct {
	evictAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	pools  map[string]*managedPool[P]
	closed bool
}

type managedPool[P io.Closer] struct {
	pool     P
	lastUsed time.Time
}

// NewPoolManager returns a manager. A zero evictAfter keeps pools until
// Close.
func NewPoolManager[P io.Closer](evictAfter time.Duration, logger *slog.Logger) *PoolManager[P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolManager[P]{
		evictAfter: evictAfter,
		logger:     logger,
		now:        time.Now,
		pools:      map[string]*managedPool[P]{},
	}
}

// Get returns the pool named name, opening it with open when absent. Stale
// pools are evicted first.
func (m *PoolManager[P]) Get(name string, open func() (P, error)) (P, error) {
	var zero P
	stale := m.collectStale()
	defer m.closeAll(stale)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return zero, ErrPoolManagerClosed
	}
	if mp, ok := m.pools[name]; ok {
		mp.lastUsed = m.now()
		return mp.pool, nil
	}
	p, err := open()
	if err != nil {
		return zero, err
	}
	m.pools[name] = &managedPool[P]{pool: p, lastUsed: m.now()}
	m.logger.Debug("opened pool", "pool", name)
	return p, nil
}

// Evict closes pools unused for longer than the eviction duration and
// returns how many were closed.
func (m *PoolManager[P]) Evict() int {
	stale := m.collectStale()
	m.closeAll(stale)
	return len(stale)
}

func (m *PoolManager[P]) collectStale() map[string]P {
	if m.evictAfter <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale map[string]P
	cutoff := m.now().Add(-m.evictAfter)
	for name, mp := range m.pools {
		if mp.lastUsed.Before(cutoff) {
			if stale == nil {
				stale = map[string]P{}
			}
			stale[name] = mp.pool
			delete(m.pools, name)
		}
	}
	return stale
}

func (m *PoolManager[P]) closeAll(pools map[string]P) {
	for name, p := range pools {
		if err := p.Close(); err != nil {
			m.logger.Warn("closing pool failed", "pool", name, "error", err)
			continue
		}
		m.logger.Debug("closed pool", "pool", name)
	}
}

// Names returns the open pool names in sorted order.
func (m *PoolManager[P]) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.pools))
	for n := range m.pools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every pool. Later Get calls fail.
func (m *PoolManager[P]) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := m.pools
	m.pools = map[string]*managedPool[P]{}
	m.mu.Unlock()

	var first error
	for _, mp := range pools {
		if err := mp.pool.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
