package main

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/giantswarm/portal-auth/internal/migrations"
)

func newMigrateCommand() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the account and record tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx, nil)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("PORTAL_DATABASE_URL is required")
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			db, err := sql.Open("pgx", cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			if down {
				return migrations.Down(ctx, db, logger)
			}
			return migrations.Up(ctx, db, logger)
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recent migration instead of applying")
	return cmd
}
