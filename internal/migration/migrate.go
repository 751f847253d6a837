package migration

import (
	"database/sql"
	"embed"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/logging"
)

// Embed SQL files from the local migrations folder
//
//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const versionTable = "recovery_goose_db_version"

func configure(logger zerolog.Logger) error {
	goose.SetBaseFS(embeddedMigrations)
	goose.SetTableName(versionTable)
	goose.SetLogger(logging.NewGooseAdapter(logger))
	return goose.SetDialect("postgres")
}

// RunMigrations applies every pending migration.
func RunMigrations(db *sql.DB, logger zerolog.Logger) error {
	if err := configure(logger); err != nil {
		return errors.Wrap(err, "configure goose")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	logger.Info().Msg("Migrations completed successfully")
	return nil
}

// Rollback reverts the most recent migration.
func Rollback(db *sql.DB, logger zerolog.Logger) error {
	if err := configure(logger); err != nil {
		return errors.Wrap(err, "configure goose")
	}
	if err := goose.Down(db, "migrations"); err != nil {
		return errors.Wrap(err, "roll back migration")
	}
	return nil
}

// Status logs the applied state of each migration.
func Status(db *sql.DB, logger zerolog.Logger) error {
	if err := configure(logger); err != nil {
		return errors.Wrap(err, "configure goose")
	}
	return goose.Status(db, "migrations")
}
