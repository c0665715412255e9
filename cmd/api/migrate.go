package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"galaxydocs/api/internal/store"
)

var migrateDryRun bool

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "list pending migrations without applying them")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required")
		}
		ctx := cmd.Context()
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 2})
		if err != nil {
			return err
		}
		defer db.Close()

		var versions []string
		if migrateDryRun {
			versions, err = store.PendingMigrations(ctx, db, cfg.MigrationsDir)
		} else {
			versions, err = store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		}
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
			return nil
		}
		for _, v := range versions {
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		logger.Info().Strs("versions", versions).Bool("dry_run", migrateDryRun).Msg("migrations")
		return nil
	},
}
