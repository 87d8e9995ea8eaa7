package items

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
)

func newMockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

func TestPostgres_InsertWritesTags(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectQuery(`INSERT INTO items \(category, name, value\) VALUES \(\$1, \$2, \$3\)\s+ON CONFLICT \(category, name\) DO NOTHING\s+RETURNING id`).
		WithArgs("cat", "one", []byte("ct")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO items_tags (item_id, seq, name, value, plaintext) VALUES ($1, $2, $3, $4, $5)`)).
		WithArgs(int64(7), 0, []byte("color"), []byte("red"), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	in := row("cat", "one", "ct", plain("color", "red"))
	id, err := r.Insert(context.Background(), in)
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
	assert.EqualValues(t, 7, in.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertConflictIsDuplicate(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectQuery(`INSERT INTO items`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := r.Insert(context.Background(), row("cat", "one", "ct"))
	require.ErrorIs(t, err, common.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PageBindsPredicateInOrder(t *testing.T) {
	r, mock := newMockRepo(t)

	pred := tagindex.Predicate{plain("color", "red")}
	mock.ExpectQuery(`SELECT i\.id, i\.category, i\.name, i\.value FROM items i\s+WHERE i\.category = \$1 AND i\.id > \$2 AND EXISTS \(SELECT 1 FROM items_tags t WHERE t\.item_id = i\.id AND t\.plaintext = \$3 AND t\.name = \$4 AND t\.value = \$5\)\s+ORDER BY i\.id LIMIT \$6`).
		WithArgs("cat", int64(10), true, []byte("color"), []byte("red"), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "category", "name", "value"}).
			AddRow(int64(11), "cat", "a", []byte("x")).
			AddRow(int64(12), "cat", "b", []byte("y")))
	mock.ExpectQuery(`SELECT item_id, name, value, plaintext FROM items_tags\s+WHERE item_id IN \(\$1, \$2\)\s+ORDER BY item_id, seq`).
		WithArgs(int64(11), int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "name", "value", "plaintext"}).
			AddRow(int64(12), []byte("color"), []byte("red"), true))

	rows, err := r.Page(context.Background(), "cat", pred, 10, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Empty(t, rows[0].Tags)
	assert.Equal(t, []models.RowTag{plain("color", "red")}, rows[1].Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockRowUsesForUpdate(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM items WHERE category = $1 AND name = $2 FOR UPDATE`)).
		WithArgs("cat", "one").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("cat", "two").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ok, err := r.LockRow(context.Background(), "cat", "one")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.LockRow(context.Background(), "cat", "two")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteMissingIsNotFound(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectExec(`DELETE FROM items_tags`).WithArgs("cat", "one").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM items WHERE`).WithArgs("cat", "one").WillReturnResult(sqlmock.NewResult(0, 0))

	err := r.Delete(context.Background(), "cat", "one")
	require.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CountError(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM items i WHERE i\.category = \$1`).
		WithArgs("cat").
		WillReturnError(errors.New("conn reset"))

	_, err := r.Count(context.Background(), "cat", nil)
	require.ErrorContains(t, err, "failed to count items: conn reset")
}
