package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/backend/sqlbackend"
	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/models"
)

func newMockBackend(t *testing.T) (*sqlbackend.Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	b := New(db, backend.Options{LockTimeout: 250 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	return b, mock
}

func TestBegin_LocksKeysInOrder(t *testing.T) {
	b, mock := newMockBackend(t)
	ctx := context.Background()

	k1 := models.EntryKey{Category: "a", Name: "1"}
	k2 := models.EntryKey{Category: "b", Name: "2"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL lock_timeout = '250ms'`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).WithArgs(LockID(k1)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("a", "1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).WithArgs(LockID(k2)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("b", "2").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	tx, err := b.Begin(ctx, backend.TxOptions{Exclusive: []models.EntryKey{k2, k1}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBegin_LockTimeoutIsBusy(t *testing.T) {
	b, mock := newMockBackend(t)
	k := models.EntryKey{Category: "a", Name: "1"}

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(LockID(k)).
		WillReturnError(&pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	_, err := b.Begin(context.Background(), backend.TxOptions{Exclusive: []models.EntryKey{k}})
	require.ErrorIs(t, err, common.ErrBusy)
	require.True(t, common.Retryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBegin_ReadOnlySkipsLockTimeout(t *testing.T) {
	b, mock := newMockBackend(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT key, value FROM metadata`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).AddRow("key_scheme", []byte("raw")))
	mock.ExpectRollback()

	tx, err := b.Begin(ctx, backend.TxOptions{ReadOnly: true})
	require.NoError(t, err)
	meta, err := tx.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), meta[backend.MetaKeyScheme])
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_UniqueViolationIsDuplicate(t *testing.T) {
	b, mock := newMockBackend(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO items`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectExec(`DELETE FROM items_tags WHERE item_id`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO items_tags`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	tx, err := b.Begin(ctx, backend.TxOptions{})
	require.NoError(t, err)
	err = tx.Upsert(ctx, &models.Row{
		Category: "c", Name: "n", Value: []byte("v"),
		Tags: []models.RowTag{{Name: []byte("t"), Value: []byte("1")}, {Name: []byte("t"), Value: []byte("2")}},
	}, models.OpReplace)
	require.ErrorIs(t, err, common.ErrDuplicate)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockID(t *testing.T) {
	a := LockID(models.EntryKey{Category: "a", Name: "bc"})
	assert.Equal(t, a, LockID(models.EntryKey{Category: "a", Name: "bc"}))
	assert.NotEqual(t, a, LockID(models.EntryKey{Category: "ab", Name: "c"}))
}

func TestErrorPredicates(t *testing.T) {
	for code, busy := range map[string]bool{"55P03": true, "40001": true, "40P01": true, "23505": false, "42P01": false} {
		err := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: code})
		assert.Equal(t, busy, IsBusy(err), code)
		assert.Equal(t, code == "23505", IsDuplicate(err), code)
	}
	assert.False(t, IsBusy(errors.New("plain")))
}
