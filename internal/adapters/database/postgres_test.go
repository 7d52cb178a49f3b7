package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func TestGetSchemaName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "asyncrefresh", GetSchemaName(false))
	require.Equal(t, "asyncrefresh_test", GetSchemaName(true))
	require.Equal(t, "asyncrefresh", DB_NAME)
}

func TestNewPostgresDatabaseGivesUp(t *testing.T) {
	t.Parallel()

	// Nothing listens on port 1
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := NewPostgresDatabase(
		ctx,
		"host=127.0.0.1 port=1 user=postgres password=postgres dbname=asyncrefresh sslmode=disable connect_timeout=1",
		WithConnectTimeout(200*time.Millisecond),
	)
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestDB(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping db tests in short mode.")
	}
	t.Parallel()

	t.Run("NewPostgresDatabase", func(t *testing.T) {
		t.Parallel()

		db, err := NewPostgresDatabase(t.Context(), LOCAL_CONNECTION_STRING)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		require.NoError(t, db.PingContext(t.Context()))
		require.Equal(t, maxOpenConns, db.Stats().MaxOpenConnections)
	})

	t.Run("ensureDatabase", func(t *testing.T) {
		t.Parallel()

		db, err := sqlx.Connect("postgres", LOCAL_CONNECTION_STRING)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		t.Run("already existing", func(t *testing.T) {
			t.Parallel()

			require.NoError(t, ensureDatabase(t.Context(), db, "postgres"))
			require.NoError(t, ensureDatabase(t.Context(), db, DB_NAME))
		})

		t.Run("new database", func(t *testing.T) {
			t.Parallel()

			dbName := fmt.Sprintf("zz_random_db_%s", uuid.NewString()[:8])

			require.NoError(t, ensureDatabase(t.Context(), db, dbName))
			// Idempotent
			require.NoError(t, ensureDatabase(t.Context(), db, dbName))
		})
	})
}
