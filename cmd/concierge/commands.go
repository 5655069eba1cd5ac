package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/concierge/internal/auth"
	"github.com/memohai/concierge/internal/db"
	"github.com/memohai/concierge/internal/logger"
	"github.com/memohai/concierge/internal/tenant"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			return db.MigrateUp(logger.L, cfg.Postgres)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			return db.MigrateDown(logger.L, cfg.Postgres)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			v, dirty, err := db.MigrationVersion(cfg.Postgres)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%v\n", v, dirty)
			return nil
		},
	})
	return cmd
}

func newTenantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect and seed tenants",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tenants from the configured source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var source tenant.Source
			if cfg.Tenants.Source == "file" {
				source = tenant.NewFileSource(cfg.Tenants.File)
			} else {
				pool, err := db.Open(ctx, cfg.Postgres)
				if err != nil {
					return fmt.Errorf("db connect: %w", err)
				}
				defer pool.Close()
				source = tenant.NewPostgresSource(pool)
			}
			items, err := source.LoadTenants(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCHANNEL\tASSISTANT\tACTIVE")
			for _, t := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", t.ID, t.DisplayName, t.ChannelAddress, t.AssistantID, t.Active)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Upsert tenants from a YAML file into Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			items, err := tenant.ReadFile(args[0])
			if err != nil {
				return err
			}
			pool, err := db.Open(cmd.Context(), cfg.Postgres)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()
			n, err := importTenants(cmd.Context(), tenant.NewPostgresSource(pool), items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d tenants\n", n)
			return nil
		},
	})
	return cmd
}

type tenantUpserter interface {
	Upsert(ctx context.Context, t tenant.TenantConfig) error
}

func importTenants(ctx context.Context, dst tenantUpserter, items []tenant.TenantConfig) (int, error) {
	for i, t := range items {
		if err := dst.Upsert(ctx, t); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

func newTokenCmd() *cobra.Command {
	var (
		subject   string
		expiresIn string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if expiresIn == "" {
				expiresIn = cfg.Admin.JWTExpiresIn
			}
			ttl, err := time.ParseDuration(expiresIn)
			if err != nil {
				return fmt.Errorf("parse expires-in: %w", err)
			}
			token, expiresAt, err := auth.GenerateAdminToken(subject, cfg.Admin.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "Token subject.")
	cmd.Flags().StringVar(&expiresIn, "expires-in", "", "Token lifetime, e.g. 24h (defaults to admin.jwt_expires_in).")
	return cmd
}
