package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"eduvault-payments/internal/infra/api"
	pg "eduvault-payments/internal/infra/db/postgres"
)

// reconcileCmd runs one reconciliation pass and one expiry pass, then prints
// the report. Useful from cron or after an outage.
func reconcileCmd(flags *globalFlags) *cobra.Command {
	var (
		olderThan   time.Duration
		limit       int
		concurrency int
		expire      bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Poll the provider once for stale pending payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if olderThan <= 0 {
				olderThan = a.cfg.Reconciler.StaleAfter
			}
			if limit <= 0 {
				limit = a.cfg.Reconciler.BatchSize
			}
			if concurrency <= 0 {
				concurrency = a.cfg.Reconciler.Concurrency
			}

			report, err := a.payUC.ReconcilePending(ctx, olderThan, limit, concurrency)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			out := struct {
				Report  any   `json:"report"`
				Expired int64 `json:"expired"`
			}{Report: report}
			if expire {
				n, err := a.payUC.ExpireStalePending(ctx, a.cfg.Reconciler.PendingMaxAge)
				if err != nil {
					return fmt.Errorf("expire: %w", err)
				}
				out.Expired = n
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only poll rows pending longer than this (default reconciler.stale_after)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to poll (default reconciler.batch_size)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel provider queries (default reconciler.concurrency)")
	cmd.Flags().BoolVar(&expire, "expire", false, "also expire rows pending longer than reconciler.pending_max_age")
	return cmd
}

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return pg.Migrate(cmd.Context(), cfg.Database.URL, logger)
		},
	}
}

// tokenCmd mints a subscriber token signed with auth.jwt_secret. Dev only.
func tokenCmd(flags *globalFlags) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subscriber-id>",
		Short: "Mint a subscriber token for local testing (requires --dev)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if !cfg.Runtime.Dev {
				return fmt.Errorf("token minting is only available with --dev")
			}
			tok, err := api.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.CookieName).Mint(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
