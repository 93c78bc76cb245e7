// Package store defines the contract between the plan executor and the
// store executors, and the registry the executor dispatches through.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/state"
)

var (
	// ErrDuplicateStore is returned when two executors claim one store type.
	ErrDuplicateStore = errors.New("store: duplicate store executor")
	// ErrDuplicateKind is returned when two executors claim one node kind.
	ErrDuplicateKind = errors.New("store: node kind handled by two store executors")
)

// Executor runs the nodes of one store type.
type Executor interface {
	StoreType() string
	// Kinds lists the node kinds this executor handles.
	Kinds() []plan.NodeKind
	// NewState returns the per-request state for this store.
	NewState() state.StoreState
	// Execute runs n. Errors returned here become error results; run is used
	// for the node's children.
	Execute(ctx context.Context, n plan.Node, st *state.ExecutionState, run state.Runner) (result.Result, error)
}

// ConnectionKeyer is implemented by executors that can name the connection
// a node uses, for events and metrics.
type ConnectionKeyer interface {
	ConnectionKey(n plan.Node) string
}

// Registry maps store types and node kinds to executors.
type Registry struct {
	byType map[string]Executor
	byKind map[plan.NodeKind]Executor
	types  []string
}

// NewRegistry indexes execs. It fails when two executors share a store type
// or a node kind.
func NewRegistry(execs ...Executor) (*Registry, error) {
	r := &Registry{byType: map[string]Executor{}, byKind: map[plan.NodeKind]Executor{}}
	for _, e := range execs {
		t := e.StoreType()
		if _, ok := r.byType[t]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStore, t)
		}
		r.byType[t] = e
		r.types = append(r.types, t)
		for _, k := range e.Kinds() {
			if prev, ok := r.byKind[k]; ok {
				return nil, fmt.Errorf("%w: %s claimed by %s and %s", ErrDuplicateKind, k, prev.StoreType(), t)
			}
			r.byKind[k] = e
		}
	}
	sort.Strings(r.types)
	return r, nil
}

// ForKind returns the executor for a node kind.
func (r *Registry) ForKind(k plan.NodeKind) (Executor, bool) {
	e, ok := r.byKind[k]
	return e, ok
}

// Executor returns the executor registered for a store type.
func (r *Registry) Executor(storeType string) (Executor, bool) {
	e, ok := r.byType[storeType]
	return e, ok
}

// StoreTypes returns the registered store types in sorted order.
func (r *Registry) StoreTypes() []string { return append([]string(nil), r.types...) }

// InitStates gives st a fresh state for every registered store.
func (r *Registry) InitStates(st *state.ExecutionState) {
	for _, t := range r.types {
		st.SetStoreState(r.byType[t].NewState())
	}
}

// Close closes every executor that holds resources and returns the first
// error.
func (r *Registry) Close() error {
	var first error
	for _, t := range r.types {
		if c, ok := r.byType[t].(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
