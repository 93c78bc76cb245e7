package service

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpcretry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/store"
)

// ServiceHeader carries the target service name on outgoing calls.
const ServiceHeader = "x-planexec-service"

// Transport calls service methods with Struct payloads. Each endpoint gets
// a small pool of client connections; endpoint pools idle longer than
// IdleTimeout are closed. Calls are retried on Unavailable.
type Transport struct {
	opts   *Options
	pools  *store.PoolManager[*endpointPool]
	closed atomic.Bool
}

func NewTransport(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	o.DialOptions = append(o.DialOptions, grpc.WithUnaryInterceptor(grpcmiddleware.ChainUnaryClient(
		grpcretry.UnaryClientInterceptor(
			grpcretry.WithMax(o.Retries),
			grpcretry.WithCodes(codes.Unavailable),
			grpcretry.WithBackoff(grpcretry.BackoffLinear(50*time.Millisecond)),
		),
	)))
	return &Transport{
		opts:  o,
		pools: store.NewPoolManager[*endpointPool](o.IdleTimeout, o.Logger.With("component", "service-transport")),
	}
}

// Call invokes /service/method on one of the service's endpoints.
func (t *Transport) Call(ctx context.Context, service, method string, req *structpb.Struct) (*structpb.Struct, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.opts.Provider == nil {
		return nil, ErrNoProvider
	}
	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, ServiceHeader, service)

	endpoints, err := t.opts.Provider.Endpoints(ctx, service)
	if err != nil {
		return nil, err
	}
	endpoint := endpoints[rand.IntN(len(endpoints))]

	pool, err := t.pools.Get(endpoint, func() (*endpointPool, error) {
		return newEndpointPool(endpoint, t.opts), nil
	})
	if err != nil {
		return nil, ErrClosed
	}
	cc, err := pool.acquire()
	if err != nil {
		return nil, err
	}
	defer pool.release(cc)

	start := time.Now()
	eventbus.Publish(ctx, events.ServiceCallStart{Service: service, Method: method, Target: endpoint})
	resp := &structpb.Struct{}
	err = cc.Invoke(ctx, "/"+service+"/"+method, req, resp)
	eventbus.Publish(ctx, events.ServiceCallFinish{
		Service:  service,
		Method:   method,
		Target:   endpoint,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Endpoints returns the endpoints with an open connection pool.
func (t *Transport) Endpoints() []string { return t.pools.Names() }

// Evict closes endpoint pools idle longer than IdleTimeout.
func (t *Transport) Evict() int { return t.pools.Evict() }

func (t *Transport) Close() error {
	t.closed.Store(true)
	return t.pools.Close()
}

// endpointPool holds up to max idle connections to one endpoint.
// Connections beyond that are opened per call and closed after.
type endpointPool struct {
	endpoint string
	dial     []grpc.DialOption
	max      int

	mu     sync.Mutex
	idle   []*grpc.ClientConn
	closed bool
}

func newEndpointPool(endpoint string, o *Options) *endpointPool {
	n := o.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &endpointPool{endpoint: endpoint, dial: o.DialOptions, max: n}
}

func (p *endpointPool) acquire() (*grpc.ClientConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		cc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return cc, nil
	}
	p.mu.Unlock()
	return grpc.NewClient(p.endpoint, p.dial...)
}

func (p *endpointPool) release(cc *grpc.ClientConn) {
	p.mu.Lock()
	if !p.closed && len(p.idle) < p.max {
		p.idle = append(p.idle, cc)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	_ = cc.Close()
}

// Close closes idle connections. Connections in use are closed on release.
func (p *endpointPool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle, p.closed = nil, true
	p.mu.Unlock()
	for _, cc := range idle {
		_ = cc.Close()
	}
	return nil
}
