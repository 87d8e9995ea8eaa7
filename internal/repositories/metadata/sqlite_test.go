package metadata

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE metadata (
  key   TEXT PRIMARY KEY,
  value BLOB NOT NULL
);`)
	require.NoError(t, err)
	return db
}

func TestSQLite_SetOverwritesAndList(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	m, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, m)

	require.NoError(t, r.Set(ctx, "version", []byte("old")))
	require.NoError(t, r.Set(ctx, "version", []byte("new")))
	require.NoError(t, r.Set(ctx, "key_check", []byte{0xBB, 0xCC}))

	m, err = r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"version": []byte("new"), "key_check": {0xBB, 0xCC}}, m)
}

func TestSQLite_ErrorsAreWrapped(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()
	require.NoError(t, db.Close())

	require.ErrorContains(t, r.Set(ctx, "k", []byte("v")), "failed to set metadata[k]")

	_, err := r.List(ctx)
	require.ErrorContains(t, err, "failed to list metadata")
}
