package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/PabloGalante/persona-chat/internal/adapters/http"
	"github.com/PabloGalante/persona-chat/internal/observability"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = ":" + a.cfg.Port
			}
			return serve(cmd.Context(), a, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default \":$PORT\")")
	return cmd
}

// serve runs the HTTP server until ctx is done, then stops accepting
// requests and waits for replies still streaming into sessions.
func serve(ctx context.Context, a *app, addr string) error {
	log := observability.Logger()

	srv := &http.Server{
		Addr:              addr,
		Handler:           httpadapter.NewServer(a.svc),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: event streams stay open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("persona API listening", "addr", addr, "gateway", a.cfg.Gateway, "storage", a.cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "error", err)
		}
		if err := a.svc.Wait(shutdownCtx); err != nil {
			log.Warn("replies still in flight at shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}
