package executor

import (
	"context"
	"log/slog"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/session"
	"github.com/hanpama/planexec/internal/state"
	"github.com/hanpama/planexec/internal/store"
)

// ExtraExecutor handles node kinds no store executor claims. Extra
// executors are asked in registration order.
type ExtraExecutor interface {
	CanExecute(n plan.Node) bool
	Execute(ctx context.Context, n plan.Node, st *state.ExecutionState, run state.Runner) (result.Result, error)
}

// Options configures an Executor.
//
// Defaults:
// - Pool:                a pool of 8
// - Authorizer:          authz.AllowAll
// - Sessions:            a new session.Manager
// - Logger:              slog.Default()
// - GraphFetchBatchSize: 1000
type Options struct {
	Stores     []store.Executor
	Extra      []ExtraExecutor
	Pool       *Pool
	Authorizer authz.Authorizer
	Sessions   *session.Manager
	Logger     *slog.Logger
	Caches     state.Caches

	GraphFetchBatchSize int

	poolSet int
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Authorizer:          authz.AllowAll{},
		GraphFetchBatchSize: 1000,
	}
}

// WithStores adds store executors. Two executors for one store type make
// New fail.
func WithStores(execs ...store.Executor) Option {
	return func(o *Options) { o.Stores = append(o.Stores, execs...) }
}

func WithExtraExecutors(x ...ExtraExecutor) Option {
	return func(o *Options) { o.Extra = append(o.Extra, x...) }
}

// WithPool injects the concurrent execution pool. It may be given once.
func WithPool(p *Pool) Option {
	return func(o *Options) {
		o.poolSet++
		o.Pool = p
	}
}

func WithAuthorizer(a authz.Authorizer) Option { return func(o *Options) { o.Authorizer = a } }
func WithSessions(m *session.Manager) Option   { return func(o *Options) { o.Sessions = m } }
func WithLogger(l *slog.Logger) Option         { return func(o *Options) { o.Logger = l } }
func WithCaches(c state.Caches) Option         { return func(o *Options) { o.Caches = c } }
func WithGraphFetchBatchSize(n int) Option     { return func(o *Options) { o.GraphFetchBatchSize = n } }
