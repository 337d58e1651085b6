package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to TEST_DATABASE_URL, migrates it and empties the
// secret tables. Tests are skipped when the variable is unset.
func newTestPostgres(t *testing.T) *PostgresBackend {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, RunMigrations(dbURL, ""))

	ctx := context.Background()
	pg, err := NewPostgresBackend(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	_, err = pg.pool.Exec(ctx, `TRUNCATE secrets, secret_versions, secret_snapshots`)
	require.NoError(t, err)
	return pg
}

func TestPostgresSecretRepository(t *testing.T) {
	repositoryContract(t, newTestPostgres(t))
}

func TestPostgresTransactions(t *testing.T) {
	txContract(t, newTestPostgres(t))
}
