package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ticketline/internal/db"
	"ticketline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenMemory(t.Name())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrate.Migrate(ctx, conn))
	require.NoError(t, migrate.Migrate(ctx, conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	got, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, got)

	for _, table := range []string{"workflows", "transitions", "approvals", "events"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
