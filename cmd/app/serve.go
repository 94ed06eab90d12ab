package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"eduvault-payments/internal/infra/api"
	pg "eduvault-payments/internal/infra/db/postgres"
	"eduvault-payments/internal/infra/metrics"
	"eduvault-payments/internal/infra/sched"
)

const shutdownTimeout = 15 * time.Second

func serveCmd(flags *globalFlags) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, callback endpoint and background reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, migrate bool) error {
	a, err := bootstrap(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.log

	if migrate {
		if err := pg.Migrate(ctx, cfg.Database.URL, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(Version, Commit)
	go pg.ReportPoolStats(ctx, a.pool, 15*time.Second)

	// ---- HTTP ----
	auth := api.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.CookieName)
	srv := api.NewServer(a.payUC, a.subUC, auth, cfg.HTTP.CallbackPath, cfg.HTTP.RequestTimeout, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("callback_path", cfg.HTTP.CallbackPath).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown requested")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutCtx)
	})

	// ---- Background jobs ----
	if cfg.Reconciler.Enabled {
		reconciler := sched.NewPaymentReconciler(a.payUC, cfg.Reconciler.Interval, cfg.Reconciler.StaleAfter,
			cfg.Reconciler.BatchSize, cfg.Reconciler.Concurrency, logger)
		g.Go(func() error { return reconciler.Run(gctx) })
	} else {
		logger.Warn().Msg("reconciler disabled; pending payments rely on callbacks and manual queries")
	}
	expiry := sched.NewExpiryWorker(cfg.Reconciler.ExpiryInterval, cfg.Reconciler.PendingMaxAge, a.payUC, a.subUC, logger)
	g.Go(func() error { return expiry.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}
