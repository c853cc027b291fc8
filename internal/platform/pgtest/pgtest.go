//go:build integration

// Package pgtest starts a throwaway Postgres container with the service schema applied.
package pgtest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// NewPool boots Postgres, applies every migration in db/postgres/migrations and returns a
// pool that is closed, along with the container, when the test finishes.
func NewPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("liveclass"),
		postgrescontainer.WithUsername("liveclass"),
		postgrescontainer.WithPassword("liveclass"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ready := backoff.NewConstantBackOff(500 * time.Millisecond)
	require.NoError(t, backoff.Retry(func() error { return pool.Ping(ctx) },
		backoff.WithContext(backoff.WithMaxRetries(ready, 60), ctx)))

	for _, file := range migrationFiles(t) {
		contents, err := os.ReadFile(file)
		require.NoErrorf(t, err, "read migration %s", file)
		_, err = pool.Exec(ctx, string(contents))
		require.NoErrorf(t, err, "apply migration %s", filepath.Base(file))
	}
	return pool
}

func migrationFiles(t *testing.T) []string {
	t.Helper()

	_, self, _, ok := runtime.Caller(0)
	require.True(t, ok)
	dir := filepath.Join(filepath.Dir(self), "..", "..", "..", "db", "postgres", "migrations")

	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no migrations found in %s", dir)
	sort.Strings(files)
	return files
}
