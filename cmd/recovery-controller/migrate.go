package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stanstork/recovery-controller/internal/config"
	"github.com/stanstork/recovery-controller/internal/logging"
	"github.com/stanstork/recovery-controller/internal/migration"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Manage the recovery database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		logger := logging.New(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})

		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		switch args[0] {
		case "up":
			return migration.RunMigrations(db, logger)
		case "down":
			return migration.Rollback(db, logger)
		default:
			return migration.Status(db, logger)
		}
	},
}
