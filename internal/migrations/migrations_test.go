package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/gophstore/internal/common"
)

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestFS_HasMigrations(t *testing.T) {
	for _, d := range []goose.Dialect{goose.DialectSQLite3, goose.DialectPostgres} {
		fsys, err := FS(d)
		require.NoError(t, err)
		for _, name := range []string{"00001_init.sql", "00002_tag_order.sql"} {
			_, err = fs.Stat(fsys, name)
			require.NoError(t, err, "dialect %s: %s", d, name)
		}
	}

	_, err := FS(goose.DialectMySQL)
	require.Error(t, err)
}

func TestUp_SQLiteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Up(ctx, db, goose.DialectSQLite3))
	require.NoError(t, Up(ctx, db, goose.DialectSQLite3))

	for _, table := range []string{"metadata", "items", "items_tags", "goose_db_version"} {
		assert.True(t, tableExists(t, db, table), "table %s", table)
	}
}

func TestUp_ProviderError(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUp
	gooseUp = func(ctx context.Context, p *goose.Provider) error { return errors.New("boom") }
	defer func() { gooseUp = orig }()

	err = Up(context.Background(), db, goose.DialectSQLite3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate: boom")
}

func TestApply_WithoutCreateLeavesEmptyDatabaseAlone(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer db.Close()

	ok, err := Initialized(ctx, db, goose.DialectSQLite3)
	require.NoError(t, err)
	assert.False(t, ok)

	err = Apply(ctx, db, goose.DialectSQLite3, false)
	require.ErrorIs(t, err, common.ErrProvision)
	for _, table := range []string{"metadata", "goose_db_version"} {
		assert.False(t, tableExists(t, db, table), "table %s", table)
	}

	require.NoError(t, Apply(ctx, db, goose.DialectSQLite3, true))
	ok, err = Initialized(ctx, db, goose.DialectSQLite3)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, Apply(ctx, db, goose.DialectSQLite3, false))
}

func TestApply_PostgresChecksSchemaBeforeMigrating(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM information_schema\.tables WHERE table_schema = current_schema\(\) AND table_name = 'metadata'`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err = Apply(context.Background(), db, goose.DialectPostgres, false)
	require.ErrorIs(t, err, common.ErrProvision)
	assert.Contains(t, err.Error(), "not initialized")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_SchemaCheckError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`information_schema`).WillReturnError(errors.New("permission denied"))

	err = Apply(context.Background(), db, goose.DialectPostgres, false)
	require.ErrorIs(t, err, common.ErrProvision)
	assert.Contains(t, err.Error(), "schema check: permission denied")
}

func TestApply_UpErrorIsProvision(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUp
	gooseUp = func(ctx context.Context, p *goose.Provider) error { return errors.New("boom") }
	defer func() { gooseUp = orig }()

	err = Apply(context.Background(), db, goose.DialectSQLite3, true)
	require.ErrorIs(t, err, common.ErrProvision)
}
