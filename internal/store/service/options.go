package service

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
)

// Options configures the service store transport.
//
// Defaults:
// - MaxConnsPerEndpoint: 2
// - RPCTimeout:          3s (used only if the incoming context has no deadline)
// - Retries:             2 (on Unavailable only)
// - IdleTimeout:         0 (endpoint pools live until Close)
// - DialOptions:         insecure credentials
//
// Provider must be set (use StaticEndpoints or a custom implementation).
type Options struct {
	Provider EndpointProvider

	MaxConnsPerEndpoint int
	RPCTimeout          time.Duration
	Retries             uint
	IdleTimeout         time.Duration

	Logger *slog.Logger

	DialOptions []grpc.DialOption
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: 2,
		RPCTimeout:          3 * time.Second,
		Retries:             2,
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }
func WithMaxConnsPerEndpoint(n int) Option   { return func(o *Options) { o.MaxConnsPerEndpoint = n } }
func WithRPCTimeout(d time.Duration) Option  { return func(o *Options) { o.RPCTimeout = d } }
func WithRetries(n uint) Option              { return func(o *Options) { o.Retries = n } }
func WithIdleTimeout(d time.Duration) Option { return func(o *Options) { o.IdleTimeout = d } }
func WithLogger(l *slog.Logger) Option       { return func(o *Options) { o.Logger = l } }
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}
