package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/state"
)

// MockHandler answers one node for MockExecutor.
type MockHandler func(ctx context.Context, n plan.Node, st *state.ExecutionState, run state.Runner) (result.Result, error)

// MockCall records one Execute invocation.
type MockCall struct {
	Kind     plan.NodeKind
	Node     plan.Node
	Bindings map[string]any
}

// MockExecutor is a store executor for tests. Nodes are answered by the
// handler registered for their kind.
type MockExecutor struct {
	storeType string

	mu       sync.Mutex
	handlers map[plan.NodeKind]MockHandler
	kinds    []plan.NodeKind
	calls    []MockCall
}

// NewMockExecutor returns a mock for storeType handling the kinds in
// handlers.
func NewMockExecutor(storeType string, handlers map[plan.NodeKind]MockHandler) *MockExecutor {
	m := &MockExecutor{storeType: storeType, handlers: map[plan.NodeKind]MockHandler{}}
	for k, h := range handlers {
		m.handlers[k] = h
		m.kinds = append(m.kinds, k)
	}
	return m
}

// NewMockValue returns a handler that always answers a constant.
func NewMockValue(v any) MockHandler {
	return func(context.Context, plan.Node, *state.ExecutionState, state.Runner) (result.Result, error) {
		return result.NewConstant(v), nil
	}
}

// NewMockError returns a handler that always fails with err.
func NewMockError(err error) MockHandler {
	return func(context.Context, plan.Node, *state.ExecutionState, state.Runner) (result.Result, error) {
		return nil, err
	}
}

func (m *MockExecutor) StoreType() string      { return m.storeType }
func (m *MockExecutor) Kinds() []plan.NodeKind { return m.kinds }
func (m *MockExecutor) NewState() state.StoreState {
	return mockState{storeType: m.storeType}
}

func (m *MockExecutor) Execute(ctx context.Context, n plan.Node, st *state.ExecutionState, run state.Runner) (result.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Kind: n.Kind(), Node: n, Bindings: st.Values()})
	h := m.handlers[n.Kind()]
	m.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("mock %s: no handler for %s", m.storeType, n.Kind())
	}
	return h(ctx, n, st, run)
}

// Calls returns a copy of the recorded calls.
func (m *MockExecutor) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

type mockState struct{ storeType string }

func (s mockState) StoreType() string      { return s.storeType }
func (s mockState) Copy() state.StoreState { return s }
