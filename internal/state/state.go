// Package state holds the per-request execution state threaded through the
// executor and the store executors.
package state

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"sync"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/reqctx"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/session"
)

// Runner executes a node against a state. Store executors use it to run the
// children of the nodes they own.
type Runner interface {
	ExecuteNode(ctx context.Context, n plan.Node, st *ExecutionState) (result.Result, error)
}

// StoreState is the per-request runtime state of one store type.
type StoreState interface {
	StoreType() string
	// Copy returns the state used by a forked execution branch. States that
	// hold nothing branch-specific may return themselves.
	Copy() StoreState
}

// Caches are the graph fetch caches available to a request. Explicit caches
// are tried first; the registry, when set, supplies the rest.
type Caches struct {
	Equality  []*graphfetch.CacheByEqualityKeys
	CrossKeys []*graphfetch.CacheByTargetCrossKeys
	Registry  *graphfetch.Registry
}

// EqualityCache finds the root cache for a scope, or nil.
func (c Caches) EqualityCache(d *plan.CacheDetails) *graphfetch.CacheByEqualityKeys {
	if d == nil {
		return nil
	}
	if found := graphfetch.FindCacheByEqualityKeys(c.Equality, d.MappingID, d.InstanceSetID, d.SubTree); found != nil {
		return found
	}
	if c.Registry != nil {
		return c.Registry.EqualityCache(d.MappingID, d.InstanceSetID, d.SubTree)
	}
	return nil
}

// CrossKeyCache finds the cache for a cross-store property, or nil when
// the property does not support caching.
func (c Caches) CrossKeyCache(d *plan.XStoreDetails) *graphfetch.CacheByTargetCrossKeys {
	if d == nil || !d.SupportsCaching {
		return nil
	}
	if found := graphfetch.FindCacheByTargetCrossKeys(c.CrossKeys, d); found != nil {
		return found
	}
	if c.Registry != nil {
		return c.Registry.CrossKeyCache(d)
	}
	return nil
}

// ExecutionState is created per request and never persisted. Copies share
// the request-wide parts and get their own bindings.
type ExecutionState struct {
	Identity *authz.Identity
	Request  *reqctx.RequestContext
	Support  *plan.ImplementationSupport
	Caches   Caches
	Sessions *session.Manager
	Logger   *slog.Logger

	// GraphFetchBatchSize is used when a global graph fetch names none.
	GraphFetchBatchSize int

	mu           sync.RWMutex
	results      map[string]result.Result
	stores       map[string]StoreState
	inAllocation bool
	owned        *owned
}

type owned struct {
	mu      sync.Mutex
	closers []io.Closer
}

// New returns an empty state.
func New(identity *authz.Identity, rc *reqctx.RequestContext) *ExecutionState {
	return &ExecutionState{
		Identity: identity,
		Request:  rc,
		Logger:   slog.Default(),
		results:  map[string]result.Result{},
		stores:   map[string]StoreState{},
		owned:    &owned{},
	}
}

// Bind stores r under name, replacing any earlier binding.
func (s *ExecutionState) Bind(name string, r result.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[name] = r
}

// BindConstant binds v as a ConstantResult.
func (s *ExecutionState) BindConstant(name string, v any) {
	s.Bind(name, result.NewConstant(v))
}

// Result returns the binding for name.
func (s *ExecutionState) Result(name string) (result.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[name]
	return r, ok
}

// Value returns the value of a constant binding.
func (s *ExecutionState) Value(name string) (any, bool) {
	r, ok := s.Result(name)
	if !ok {
		return nil, false
	}
	c, ok := r.(*result.ConstantResult)
	if !ok {
		return nil, false
	}
	return c.Value, true
}

// Values returns every constant binding. Non-constant bindings are left out.
func (s *ExecutionState) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.results))
	for k, r := range s.results {
		if c, ok := r.(*result.ConstantResult); ok {
			out[k] = c.Value
		}
	}
	return out
}

// StoreState returns the state registered for a store type.
func (s *ExecutionState) StoreState(storeType string) (StoreState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[storeType]
	return st, ok
}

func (s *ExecutionState) SetStoreState(st StoreState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.StoreType()] = st
}

// InAllocation reports whether the current node runs under an allocation.
func (s *ExecutionState) InAllocation() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inAllocation
}

// Own records a resource released when the request finishes. Copies share
// the list.
func (s *ExecutionState) Own(c io.Closer) {
	s.owned.mu.Lock()
	defer s.owned.mu.Unlock()
	s.owned.closers = append(s.owned.closers, c)
}

// TransferOwnership moves every owned resource onto r. When r cannot own
// resources they are closed immediately.
func (s *ExecutionState) TransferOwnership(r result.Result) error {
	s.owned.mu.Lock()
	closers := s.owned.closers
	s.owned.closers = nil
	s.owned.mu.Unlock()
	if o, ok := r.(result.Owner); ok {
		for _, c := range closers {
			o.AddCloser(c)
		}
		return nil
	}
	var first error
	for _, c := range closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Copy returns a state for a forked branch: bindings are copied, store
// states are copied, everything else is shared.
func (s *ExecutionState) Copy() *ExecutionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &ExecutionState{
		Identity:            s.Identity,
		Request:             s.Request,
		Support:             s.Support,
		Caches:              s.Caches,
		Sessions:            s.Sessions,
		Logger:              s.Logger,
		GraphFetchBatchSize: s.GraphFetchBatchSize,
		results:             maps.Clone(s.results),
		stores:              make(map[string]StoreState, len(s.stores)),
		inAllocation:        s.inAllocation,
		owned:               s.owned,
	}
	for k, st := range s.stores {
		c.stores[k] = st.Copy()
	}
	return c
}

// ForAllocation returns a copy marked as running under an allocation.
func (s *ExecutionState) ForAllocation() *ExecutionState {
	c := s.Copy()
	c.inAllocation = true
	return c
}

// Cancelled reports whether the request was cancelled or ctx is done.
func (s *ExecutionState) Cancelled(ctx context.Context) error {
	if s.Request.IsCancelled() {
		return reqctx.ErrCancelled
	}
	return ctx.Err()
}
