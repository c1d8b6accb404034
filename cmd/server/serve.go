package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quorum/internal/platform/config"
	"quorum/internal/platform/httpserver"
	"quorum/internal/platform/tracing"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the phase scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveRun(cmd, mustConfig(cmd))
		},
	}
}

func serveRun(cmd *cobra.Command, cfg *config.Config) error {
	log := commonRun(cfg)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := shutdownContext(cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("trace flush failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	srv := httpserver.New(cfg.Server, a.router(), log)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting quorum", "addr", cfg.Server.Addr, "environment", cfg.Server.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := a.scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := shutdownContext(cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
