package metadata

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

func TestPostgres_ListReadsAllKeys(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, value FROM metadata`)).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("key_check", []byte{1, 2}).
			AddRow("key_scheme", []byte("raw")))

	m, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"key_check": {1, 2}, "key_scheme": []byte("raw")}, m)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListScanError(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT key, value FROM metadata`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("k", []byte("v")).
			RowError(0, errors.New("connection reset")))

	_, err := r.List(context.Background())
	require.ErrorContains(t, err, "failed to iterate metadata rows: connection reset")
}

func TestPostgres_SetUpserts(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO metadata \(key, value\) VALUES \(\$1, \$2\)\s+ON CONFLICT \(key\) DO UPDATE SET value = excluded\.value`).
		WithArgs("key_scheme", []byte("raw")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.Set(context.Background(), "key_scheme", []byte("raw")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetError(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO metadata`).WillReturnError(errors.New("db is down"))

	err := r.Set(context.Background(), "k", []byte("v"))
	require.ErrorContains(t, err, "failed to set metadata[k]: db is down")
}
