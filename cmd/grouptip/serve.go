package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Veraticus/grouptip/internal/api"
	"github.com/Veraticus/grouptip/internal/certs"
	"github.com/Veraticus/grouptip/internal/metrics"
	"github.com/Veraticus/grouptip/internal/scheduler"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and expiry scheduler",
		Long: `Serve the grouptip HTTP API and settle pools as they expire.

Timers are re-armed for every open pool at startup, and a periodic sweep
settles anything the timers missed and retries undelivered notifications.`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Bool("tls", false, "serve HTTPS with a self-signed localhost certificate")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	m := metrics.Default()

	a, err := openApp(ctx, m)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.store, a.engine, scheduler.Config{
		SweepInterval: a.cfg.Scheduler.SweepInterval,
		SweepBatch:    a.cfg.Scheduler.SweepBatch,
		ResumeAfter:   a.cfg.Settlement.ResumeAfter,
	}, scheduler.WithMetrics(m))

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	server := api.New(api.Config{
		Store:      a.store,
		Tokens:     a.tokens,
		Pools:      a.poolService(sched),
		Claims:     a.claims,
		Settler:    a.engine,
		Metrics:    m,
		AdminToken: a.cfg.Server.AdminToken,
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS, _ := cmd.Flags().GetBool("tls")
	useTLS = useTLS || a.cfg.Server.TLS
	if useTLS {
		tlsConfig, err := certs.NewStore(a.cfg.Server.CertDir).TLSConfig()
		if err != nil {
			return fmt.Errorf("failed to load certificate: %w", err)
		}
		httpServer.TLSConfig = tlsConfig
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("HTTP API listening", "addr", addr, "tls", useTLS, "driver", a.store.Driver())
		var err error
		if useTLS {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Shut down cleanly")
	return nil
}
