package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/reqctx"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/session"
	"github.com/hanpama/planexec/internal/state"
	"github.com/hanpama/planexec/internal/store"
)

// Names of the constants bound before every execution.
const (
	BindingUserID  = "userId"
	BindingExecID  = "execID"
	BindingReferer = "referer"
)

// Executor runs execution plans. It is safe for concurrent use.
type Executor struct {
	opts   *Options
	stores *store.Registry
	logger *slog.Logger

	conditions sync.Map // condition text -> *template.Template
}

// New builds an Executor. It fails when two store executors share a store
// type or a node kind, or when the pool was injected twice.
func New(opts ...Option) (*Executor, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.poolSet > 1 {
		return nil, ErrPoolAlreadySet
	}
	if o.Pool == nil {
		o.Pool = NewPool(8)
	}
	if o.Sessions == nil {
		o.Sessions = session.NewManager()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	reg, err := store.NewRegistry(o.Stores...)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	return &Executor{opts: o, stores: reg, logger: o.Logger.With("component", "executor")}, nil
}

// Stores returns the store registry.
func (e *Executor) Stores() *store.Registry { return e.stores }

// Sessions returns the manager tracking cancelable store work per session.
func (e *Executor) Sessions() *session.Manager { return e.opts.Sessions }

// Close releases the store executors.
func (e *Executor) Close() error { return e.stores.Close() }

func planKind(p plan.ExecutionPlan) string {
	if _, ok := p.(*plan.CompositeExecutionPlan); ok {
		return "composite"
	}
	return "single"
}

// Execute runs p. Resolution, authorization and validation failures are
// returned as errors before anything runs. Otherwise the result is never
// nil: failures during execution come back as a *result.ErrorResult. The
// caller must close the result.
func (e *Executor) Execute(ctx context.Context, p plan.ExecutionPlan, params map[string]any, identity *authz.Identity, rc *reqctx.RequestContext) (result.Result, error) {
	start := time.Now()
	if rc == nil {
		rc = reqctx.New("", "")
	}
	ctx = reqctx.NewContext(ctx, rc)
	token := rc.RequestToken()

	sp, err := plan.Resolve(p, params)
	if err != nil {
		e.reject(ctx, token, "resolve", err)
		return nil, err
	}
	sp, _, err = e.opts.Authorizer.Authorize(ctx, identity, sp)
	if err != nil {
		e.reject(ctx, token, "authorize", err)
		return nil, err
	}
	if err := e.Validate(sp); err != nil {
		e.reject(ctx, token, "validate", err)
		return nil, err
	}

	st := e.newState(sp, params, identity, rc)
	kind := planKind(p)
	nodes := plan.CountNodes(sp.RootExecutionNode.Node)
	eventbus.Publish(ctx, events.PlanStart{RequestToken: token, PlanKind: kind, Identity: authz.NameOf(identity), Nodes: nodes})
	e.logger.Debug("plan start", "request", token, "plan_kind", kind, "nodes", nodes)

	ctx, stop := rc.Bind(ctx)
	st.Own(result.CloserFunc(func() error { stop(); return nil }))

	r, err := e.ExecuteNode(ctx, sp.RootExecutionNode.Node, st)
	if err != nil {
		r = result.FromError(err)
	}
	if r == nil {
		r = result.NewConstant(nil)
	}
	finish := events.PlanFinish{RequestToken: token, PlanKind: kind, Identity: authz.NameOf(identity), Duration: time.Since(start)}
	if er, ok := r.(*result.ErrorResult); ok {
		finish.Failed, finish.Code, finish.Err = true, er.Code, er
		e.logger.Error("plan failed", "request", token, "code", er.Code, "message", er.Message)
	}
	if err := st.TransferOwnership(r); err != nil {
		e.logger.Warn("release resources", "request", token, "error", err)
	}
	eventbus.Publish(ctx, finish)
	e.logger.Debug("plan finish", "request", token, "plan_kind", kind, "nodes", nodes, "duration", finish.Duration)
	return r, nil
}

func (e *Executor) reject(ctx context.Context, token, stage string, err error) {
	eventbus.Publish(ctx, events.PlanRejected{RequestToken: token, Stage: stage, Err: err})
	e.logger.Warn("plan rejected", "request", token, "stage", stage, "error", err)
}

// Validate checks that every node of sp can be executed.
func (e *Executor) Validate(sp *plan.SingleExecutionPlan) error {
	if sp.RootExecutionNode.Node == nil {
		return ErrNilNode
	}
	var err error
	plan.Walk(sp.RootExecutionNode.Node, func(n plan.Node) bool {
		if err != nil {
			return false
		}
		if !e.canExecute(n) {
			err = &UnsupportedNodeError{Kind: n.Kind()}
			return false
		}
		return true
	})
	return err
}

func (e *Executor) canExecute(n plan.Node) bool {
	switch n.(type) {
	case *plan.SequenceNode, *plan.AllocationNode, *plan.ConstantNode, *plan.ConditionalNode,
		*plan.ErrorNode, *plan.MultiResultSequenceNode, *plan.GlobalGraphFetchNode, *plan.InMemoryCrossStoreFetchNode:
		return true
	}
	if _, ok := e.stores.ForKind(n.Kind()); ok {
		return true
	}
	for _, x := range e.opts.Extra {
		if x.CanExecute(n) {
			return true
		}
	}
	return false
}

func (e *Executor) newState(sp *plan.SingleExecutionPlan, params map[string]any, identity *authz.Identity, rc *reqctx.RequestContext) *state.ExecutionState {
	st := state.New(identity, rc)
	for k, v := range params {
		if r, ok := v.(result.Result); ok {
			st.Bind(k, r)
			continue
		}
		st.BindConstant(k, v)
	}
	st.BindConstant(BindingUserID, authz.NameOf(identity))
	st.BindConstant(BindingExecID, uuid.NewString())
	st.BindConstant(BindingReferer, strings.ReplaceAll(rc.Referral(), "'", "''"))
	st.Support = sp.GlobalImplementationSupport
	st.Caches = e.opts.Caches
	st.Sessions = e.opts.Sessions
	st.Logger = e.opts.Logger
	st.GraphFetchBatchSize = e.opts.GraphFetchBatchSize
	e.stores.InitStates(st)
	return st
}

type frameKey struct{}

// frame locates a running node in the node tree.
type frame struct {
	depth int
	seq   uint64
}

var nodeSeq atomic.Uint64

// NodeSeq returns the Seq of the node running ctx, or zero outside of a
// node.
func NodeSeq(ctx context.Context) uint64 {
	f, _ := ctx.Value(frameKey{}).(frame)
	return f.seq
}

// ExecuteNode runs one node against st. Store executors call it for their
// children.
func (e *Executor) ExecuteNode(ctx context.Context, n plan.Node, st *state.ExecutionState) (r result.Result, err error) {
	if n == nil {
		return nil, ErrNilNode
	}
	if err := st.Cancelled(ctx); err != nil {
		return nil, err
	}
	parent, _ := ctx.Value(frameKey{}).(frame)
	cur := frame{depth: parent.depth + 1, seq: nodeSeq.Add(1)}
	if parent.seq == 0 {
		cur.depth = 0
	}
	ctx = context.WithValue(ctx, frameKey{}, cur)
	token := st.Request.RequestToken()
	kind := string(n.Kind())
	start := time.Now()
	eventbus.Publish(ctx, events.NodeStart{RequestToken: token, Kind: kind, Depth: cur.depth, Seq: cur.seq, Parent: parent.seq})
	defer func() {
		ferr := err
		if er, ok := r.(*result.ErrorResult); ok && ferr == nil {
			ferr = er
		}
		eventbus.Publish(ctx, events.NodeFinish{RequestToken: token, Kind: kind, Depth: cur.depth, Seq: cur.seq, Err: ferr, Duration: time.Since(start)})
	}()

	switch t := n.(type) {
	case *plan.SequenceNode:
		return e.sequence(ctx, t, st)
	case *plan.AllocationNode:
		return e.allocation(ctx, t, st)
	case *plan.ConstantNode:
		return result.NewConstant(t.Values), nil
	case *plan.ConditionalNode:
		return e.conditional(ctx, t, st)
	case *plan.ErrorNode:
		return result.NewError(result.DefaultErrorCode, t.Message), nil
	case *plan.MultiResultSequenceNode:
		return e.multiResultSequence(ctx, t, st)
	case *plan.GlobalGraphFetchNode:
		return e.globalGraphFetch(ctx, t, st)
	case *plan.InMemoryCrossStoreFetchNode:
		child, err := singleChild(t)
		if err != nil {
			return nil, err
		}
		return e.ExecuteNode(ctx, child, st)
	}
	return e.dispatch(ctx, n, st)
}

func (e *Executor) dispatch(ctx context.Context, n plan.Node, st *state.ExecutionState) (result.Result, error) {
	if ex, ok := e.stores.ForKind(n.Kind()); ok {
		start := time.Now()
		r, err := ex.Execute(ctx, n, st, e)
		ev := events.StoreExecute{
			RequestToken: st.Request.RequestToken(),
			Node:         NodeSeq(ctx),
			StoreType:    ex.StoreType(),
			Kind:         string(n.Kind()),
			Err:          err,
			Duration:     time.Since(start),
		}
		if ck, ok := ex.(store.ConnectionKeyer); ok {
			ev.ConnectionKey = ck.ConnectionKey(n)
		}
		eventbus.Publish(ctx, ev)
		return r, err
	}
	for _, x := range e.opts.Extra {
		if x.CanExecute(n) {
			return x.Execute(ctx, n, st, e)
		}
	}
	return nil, &UnsupportedNodeError{Kind: n.Kind()}
}

func singleChild(n plan.Node) (plan.Node, error) {
	children := n.Base().ExecutionNodes
	if len(children) != 1 {
		return nil, &ChildCountError{Kind: n.Kind(), Want: 1, Got: len(children)}
	}
	return children[0], nil
}

// asErrorResult extracts an error result carried by err.
func asErrorResult(err error) (*result.ErrorResult, bool) {
	var er *result.ErrorResult
	if errors.As(err, &er) {
		return er, true
	}
	return nil, false
}
