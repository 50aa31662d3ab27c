package cns_test

import (
	"context"
	"database/sql"
	"io/fs"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/cns"
)

func TestMigrations_EveryDriver(t *testing.T) {
	for _, driver := range []string{"mysql", "postgres", "sqlite3"} {
		t.Run(driver, func(t *testing.T) {
			files, err := cns.Migrations(driver)
			require.NoError(t, err)

			ups, err := fs.Glob(files, "*.up.sql")
			require.NoError(t, err)
			downs, err := fs.Glob(files, "*.down.sql")
			require.NoError(t, err)
			assert.Len(t, ups, 1)
			assert.Len(t, downs, len(ups))

			stmts, err := cns.UpStatements(driver)
			require.NoError(t, err)
			assert.NotEmpty(t, stmts)
			for _, s := range stmts {
				assert.NotContains(t, s, ";")
			}
		})
	}
}

func TestMigrations_UnknownDriver(t *testing.T) {
	_, err := cns.Migrations("oracle")
	require.Error(t, err)

	var cnsErr *cns.Error
	require.ErrorAs(t, err, &cnsErr)
	assert.Equal(t, cns.ErrCodeConfiguration, cnsErr.Code)
}

func TestMigrate_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	require.NoError(t, cns.Migrate(ctx, db, "sqlite3"))
	require.NoError(t, cns.Migrate(ctx, db, "sqlite3"), "migrations are idempotent")

	for _, table := range []string{"cns_topic", "cns_subscription"} {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err)
		assert.Equal(t, table, name)
	}
}
