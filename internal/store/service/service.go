// Package service executes service store nodes by calling remote methods
// over gRPC with google.protobuf.Struct requests and responses.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/state"
	"github.com/hanpama/planexec/internal/store"
)

const StoreType = "Service"

// Settings is the stores.service configuration section.
type Settings struct {
	// Backends holds "Service=host:port" mappings.
	Backends            []string      `mapstructure:"backends"`
	MaxConnsPerEndpoint int           `mapstructure:"max-conns-per-endpoint"`
	RPCTimeout          time.Duration `mapstructure:"rpc-timeout"`
	Retries             uint          `mapstructure:"retries"`
	IdleTimeout         time.Duration `mapstructure:"idle-timeout"`
}

func init() {
	store.Register(StoreType, func(env store.Env) (store.Executor, error) {
		s := Settings{MaxConnsPerEndpoint: 2, RPCTimeout: 3 * time.Second, Retries: 2}
		if err := store.DecodeSettings(env.Settings, &s); err != nil {
			return nil, err
		}
		backends, err := ParseBackends(s.Backends)
		if err != nil {
			return nil, err
		}
		t := NewTransport(
			WithProvider(NewStaticEndpoints(backends)),
			WithMaxConnsPerEndpoint(s.MaxConnsPerEndpoint),
			WithRPCTimeout(s.RPCTimeout),
			WithRetries(s.Retries),
			WithIdleTimeout(s.IdleTimeout),
			WithLogger(env.Logger),
		)
		return New(t, env.Logger), nil
	})
}

// Caller is the part of Transport the executor uses.
type Caller interface {
	Call(ctx context.Context, service, method string, req *structpb.Struct) (*structpb.Struct, error)
	Close() error
}

type Executor struct {
	caller Caller
	logger *slog.Logger
}

func New(caller Caller, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{caller: caller, logger: logger.With("component", "store.service")}
}

var (
	_ store.Executor        = (*Executor)(nil)
	_ store.ConnectionKeyer = (*Executor)(nil)
)

func (*Executor) StoreType() string          { return StoreType }
func (*Executor) Kinds() []plan.NodeKind     { return []plan.NodeKind{plan.KindServiceStore} }
func (*Executor) NewState() state.StoreState { return stateless{} }
func (e *Executor) Close() error             { return e.caller.Close() }

type stateless struct{}

func (stateless) StoreType() string        { return StoreType }
func (s stateless) Copy() state.StoreState { return s }

func (*Executor) ConnectionKey(n plan.Node) string {
	if sn, ok := n.(*plan.ServiceStoreNode); ok && sn.Connection.Connection != nil {
		return sn.Connection.Key()
	}
	return ""
}

// BuildRequest collects the node's parameters from the bindings.
func BuildRequest(n *plan.ServiceStoreNode, values map[string]any) (*structpb.Struct, error) {
	fields := make(map[string]any, len(n.Parameters))
	for _, p := range n.Parameters {
		v, ok := values[p.Binding]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("%w %q for %s.%s", ErrMissingParameter, p.Binding, n.Service, n.Method)
			}
			continue
		}
		fields[p.Name] = structValue(v)
	}
	return structpb.NewStruct(fields)
}

// structValue converts bound values into shapes structpb accepts.
func structValue(v any) any {
	switch t := v.(type) {
	case *graphfetch.Record:
		return structValue(t.Props)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = structValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = structValue(x)
		}
		return out
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// Extract walks a dotted path into a decoded response. An empty path
// returns the response itself.
func Extract(v any, path string) (any, error) {
	if path == "" {
		return v, nil
	}
	for _, part := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("service: cannot read %q from %T", part, v)
		}
		v = m[part]
	}
	return v, nil
}

func (e *Executor) Execute(ctx context.Context, n plan.Node, st *state.ExecutionState, _ state.Runner) (result.Result, error) {
	node, ok := n.(*plan.ServiceStoreNode)
	if !ok {
		return nil, fmt.Errorf("service: unexpected node %s", n.Kind())
	}
	svc := node.Service
	if c, ok := node.Connection.Connection.(*plan.ServiceConnection); ok && c.Service != "" {
		svc = c.Service
	}
	req, err := BuildRequest(node, st.Values())
	if err != nil {
		return nil, err
	}

	callCtx, release := store.CancelScope(ctx, st)
	defer release()
	callCtx = metadata.AppendToOutgoingContext(callCtx,
		"x-planexec-user", authz.NameOf(st.Identity),
		"x-planexec-request", st.Request.RequestToken(),
	)
	resp, err := e.caller.Call(callCtx, svc, node.Method, req)
	if err != nil {
		return nil, fmt.Errorf("call %s/%s: %w", svc, node.Method, err)
	}
	e.logger.Debug("service call", "service", svc, "method", node.Method)

	v, err := Extract(resp.AsMap(), node.ValuesPath)
	if err != nil {
		return nil, err
	}
	class := node.ResultType.Class
	if class == "" {
		return result.NewConstant(v), nil
	}
	list := result.AsList(v)
	out := make([]any, 0, len(list))
	for _, x := range list {
		m, ok := x.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("service: %s/%s returned %T where %s was expected", svc, node.Method, x, class)
		}
		out = append(out, graphfetch.NewRecord(class, m))
	}
	return result.NewClassInstances(out, result.Builder{Kind: result.BuilderClass, Class: class}), nil
}
