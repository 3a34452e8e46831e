package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"turnero/ticket-service/internal/catalog"
	"turnero/ticket-service/internal/store"
	"turnero/ticket-service/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var dsn string
	root := &cobra.Command{
		Use:           "turnoctl",
		Short:         "Operator tooling for the ticket service",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("DB_DSN"), "Postgres connection string (default $DB_DSN)")

	connect := func(ctx context.Context) (*pgxpool.Pool, error) {
		if dsn == "" {
			return nil, errors.New("no database configured: pass --dsn or set DB_DSN")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		return pool, nil
	}

	root.AddCommand(newMigrateCmd(connect), newCatalogCmd(), newAuditCmd(connect))
	return root
}

type connectFunc func(ctx context.Context) (*pgxpool.Pool, error)

func newMigrateCmd(connect connectFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ticket schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			version, err := postgres.SchemaVersion(cmd.Context(), pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			version, err := postgres.SchemaVersion(cmd.Context(), pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	})
	return cmd
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Work with catalog seed files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a TOML catalog file without starting the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok branches=%d categories=%d kiosks=%d roles=%d users=%d\n",
				cat.Branches.Len(), cat.Categories.Len(), cat.Kiosks.Len(), cat.Roles.Len(), cat.Users.Len())
			return nil
		},
	})
	return cmd
}

func newAuditCmd(connect connectFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect ticket audit trails",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <ticket-id>",
		Short: "Recompute the hash chain of a ticket's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			events, err := postgres.NewStore(pool).ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := store.VerifyChain(events); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ticket %s: %d events, chain intact\n", args[0], len(events))
			return nil
		},
	})
	return cmd
}
