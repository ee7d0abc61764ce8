package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func TestMigrateCreatesExpectedTables(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, migrate(ctx, db))
	// Idempotent: running twice must not fail.
	require.NoError(t, migrate(ctx, db))

	for _, table := range []string{"agents", "tokens", "credentials"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "expected table %q to exist", table)
		require.Equal(t, table, name)
	}
}
