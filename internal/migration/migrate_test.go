package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreCollected(t *testing.T) {
	require.NoError(t, configure(zerolog.Nop()))

	migrations, err := goose.CollectMigrations("migrations", 0, goose.MaxVersion)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.EqualValues(t, 1, migrations[0].Version)
	assert.EqualValues(t, 2, migrations[1].Version)
}

func TestInitialMigrationCreatesRecoveryTables(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, "migrations/00001_create_recovery_tables.sql")
	require.NoError(t, err)
	sql := string(raw)

	assert.Contains(t, sql, "-- +goose Up")
	assert.Contains(t, sql, "-- +goose Down")
	for _, table := range []string{"notification_list", "vm_list", "reserve_list"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table)
		assert.Contains(t, sql, "DROP TABLE IF EXISTS "+table)
	}
	assert.True(t, strings.Index(sql, "-- +goose Up") < strings.Index(sql, "-- +goose Down"))
}

func TestRetryCountMigrationIsReversible(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, "migrations/00002_add_notification_retry_count.sql")
	require.NoError(t, err)
	sql := string(raw)

	up := sql[:strings.Index(sql, "-- +goose Down")]
	down := sql[strings.Index(sql, "-- +goose Down"):]
	assert.Contains(t, up, "ADD COLUMN IF NOT EXISTS retry_count")
	assert.Contains(t, down, "DROP COLUMN IF EXISTS retry_count")
}
