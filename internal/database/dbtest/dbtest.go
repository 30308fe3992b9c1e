// Package dbtest provides Postgres pools for repository tests.
package dbtest

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/vadim/atom/internal/database"
)

// EnvDSN names the variable holding the test database DSN
const EnvDSN = "TEST_DATABASE_URL"

// Pool returns a pool bound to a fresh schema with the embedded schema
// applied. The schema is dropped when the test ends. Without TEST_DATABASE_URL
// the test is skipped.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skip(EnvDSN + " not set")
	}
	ctx := context.Background()

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)

	schema := "test_" + strings.ToLower(ulid.Make().String())
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close(context.Background())
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.Migrate(ctx, pool))
	return pool
}

// Profile inserts a bare profile and returns its id
func Profile(t testing.TB, pool *pgxpool.Pool, username string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(),
		`INSERT INTO profiles (username, displayname) VALUES ($1, $1) RETURNING id`, username,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// Follow records that follower follows followed
func Follow(t testing.TB, pool *pgxpool.Pool, follower, followed string) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO followers (followed_id, follower_id) VALUES ($1, $2)`, followed, follower)
	require.NoError(t, err)
}

// Block records that user blocked blocked
func Block(t testing.TB, pool *pgxpool.Pool, user, blocked string) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO user_blocks (user_id, blocked_user_id) VALUES ($1, $2)`, user, blocked)
	require.NoError(t, err)
}
