package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/cache"
	"github.com/hanpama/planexec/internal/config"
	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/metrics"
	"github.com/hanpama/planexec/internal/otel"
	"github.com/hanpama/planexec/internal/session"
	"github.com/hanpama/planexec/internal/state"
	"github.com/hanpama/planexec/internal/store"

	// store executors register themselves
	_ "github.com/hanpama/planexec/internal/store/extformat"
	_ "github.com/hanpama/planexec/internal/store/inmemory"
	_ "github.com/hanpama/planexec/internal/store/relational"
	_ "github.com/hanpama/planexec/internal/store/service"
)

// app is everything a command needs to execute plans.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	exec    *executor.Executor
	metrics *metrics.Metrics

	closers []func(context.Context) error
}

func newApp(cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	bus := eventbus.New()
	eventbus.Use(bus)
	a.closers = append(a.closers, func(context.Context) error { eventbus.Use(nil); return nil })

	shutdown, err := otel.Setup(cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		off := a.metrics.Subscribe(bus)
		a.closers = append(a.closers, func(context.Context) error { off(); return nil })
	}

	backing, closeCache, err := cacheStore(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	if closeCache != nil {
		a.closers = append(a.closers, func(context.Context) error { return closeCache.Close() })
	}

	sessions := session.NewManager()
	stores, err := store.BuildDiscovered(func(storeType string) store.Env {
		return store.Env{
			Logger:   logger.With("store", storeType),
			Sessions: sessions,
			Settings: cfg.Store(storeType),
		}
	})
	if err != nil {
		return nil, err
	}

	var authorizer authz.Authorizer = authz.AllowAll{}
	if allow := cfg.Authz.Allow(); allow != nil {
		authorizer = authz.NewPolicy(allow, nil)
	}

	exec, err := executor.New(
		executor.WithStores(stores...),
		executor.WithPool(executor.NewPool(cfg.Executor.Concurrency)),
		executor.WithAuthorizer(authorizer),
		executor.WithSessions(sessions),
		executor.WithLogger(logger),
		executor.WithCaches(state.Caches{Registry: graphfetch.NewRegistry(backing, graphfetch.DeepCopy)}),
		executor.WithGraphFetchBatchSize(cfg.Executor.GraphFetchBatchSize),
	)
	if err != nil {
		// the executor did not take ownership of the stores
		for _, s := range stores {
			if c, ok := s.(io.Closer); ok {
				_ = c.Close()
			}
		}
		return nil, err
	}
	a.exec = exec
	a.closers = append(a.closers, func(context.Context) error { return exec.Close() })
	return a, nil
}

// cacheStore builds the backing store shared by the graph fetch caches.
func cacheStore(c config.Cache, logger *slog.Logger) (cache.ExecutionCache[graphfetch.CacheKey, any], io.Closer, error) {
	switch c.Backend {
	case config.CacheNone:
		return cache.NoOp[graphfetch.CacheKey, any]{}, nil, nil
	case config.CacheEtcd:
		cli, err := cache.DialEtcd(c.Etcd.Endpoints, c.Etcd.DialTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("dial etcd: %w", err)
		}
		etcd := cache.NewEtcd[graphfetch.CacheKey, any](cli, c.Etcd.Prefix, graphfetch.CacheKey.String, c.TTL, logger)
		return etcd.WithCodec(graphfetch.Codec{}), cli, nil
	default:
		return cache.NewLRU[graphfetch.CacheKey, any](c.Size, c.TTL), nil, nil
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
