package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanpama/planexec/internal/server"
)

const shutdownTimeout = 10 * time.Second

func (c *command) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP plan execution server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := a.close(ctx); err != nil {
					logger.Warn("shutdown", "error", err)
				}
			}()

			mux, err := a.routes()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}, a)
		},
	}
}

// routes mounts the execution handler and, when enabled, the metrics
// endpoint.
func (a *app) routes() (*http.ServeMux, error) {
	s := a.cfg.Server
	opts := []server.Option{
		server.WithLogger(a.logger),
		server.WithTimeout(s.Timeout),
		server.WithMaxBodyBytes(s.MaxBodyBytes),
	}
	if s.Pretty {
		opts = append(opts, server.WithPretty())
	}
	if len(s.CORSOrigins) > 0 {
		opts = append(opts, server.WithCORS(s.CORSOrigins...))
	}
	if s.CustomErrorCodes {
		opts = append(opts, server.WithCustomErrorCodes())
	}
	h, err := server.New(a.exec, opts...)
	if err != nil {
		return nil, fmt.Errorf("server init: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(server.RouteExecutePlan, h)
	mux.Handle(server.RouteExecute, h)
	if a.metrics != nil {
		mux.Handle(a.cfg.Metrics.Path, a.metrics.Handler())
	}
	return mux, nil
}

// serve runs srv until ctx is done, then drains it.
func serve(ctx context.Context, srv *http.Server, a *app) error {
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("plan execution server listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
