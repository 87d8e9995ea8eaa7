package items

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/dbx"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
)

// SQLRepository implements Repository using a DBTX (usually the *sql.Tx of
// a backend transaction).
type SQLRepository struct {
	db dbx.DBTX
	ph dbx.Placeholder
	// rowLocks is false for SQLite, which has no SELECT ... FOR UPDATE.
	rowLocks bool
}

// NewSQLiteRepository returns a repository for the SQLite schema.
func NewSQLiteRepository(db dbx.DBTX) *SQLRepository {
	return &SQLRepository{db: db, ph: dbx.Question}
}

// NewPostgresRepository returns a repository for the PostgreSQL schema.
func NewPostgresRepository(db dbx.DBTX) *SQLRepository {
	return &SQLRepository{db: db, ph: dbx.Dollar, rowLocks: true}
}

func (r *SQLRepository) q(query string) string {
	return dbx.Rebind(r.ph, query)
}

func (r *SQLRepository) Insert(ctx context.Context, row *models.Row) (int64, error) {
	query := `INSERT INTO items (category, name, value) VALUES (?, ?, ?)
		ON CONFLICT (category, name) DO NOTHING
		RETURNING id`
	var id int64
	err := r.db.QueryRowContext(ctx, r.q(query), row.Category, row.Name, row.Value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", common.ErrDuplicate, row.Key())
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert item: %w", err)
	}
	if err := r.insertTags(ctx, id, row.Tags); err != nil {
		return 0, err
	}
	row.ID = id
	return id, nil
}

func (r *SQLRepository) Replace(ctx context.Context, row *models.Row) (int64, error) {
	query := `INSERT INTO items (category, name, value) VALUES (?, ?, ?)
		ON CONFLICT (category, name) DO UPDATE SET value = excluded.value
		RETURNING id`
	var id int64
	if err := r.db.QueryRowContext(ctx, r.q(query), row.Category, row.Name, row.Value).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to upsert item: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.q(`DELETE FROM items_tags WHERE item_id = ?`), id); err != nil {
		return 0, fmt.Errorf("failed to clear item tags: %w", err)
	}
	if err := r.insertTags(ctx, id, row.Tags); err != nil {
		return 0, err
	}
	row.ID = id
	return id, nil
}

func (r *SQLRepository) insertTags(ctx context.Context, id int64, tags []models.RowTag) error {
	query := r.q(`INSERT INTO items_tags (item_id, seq, name, value, plaintext) VALUES (?, ?, ?, ?, ?)`)
	for i, t := range tags {
		if _, err := r.db.ExecContext(ctx, query, id, i, t.Name, t.Value, t.Plaintext); err != nil {
			return fmt.Errorf("failed to insert item tag: %w", err)
		}
	}
	return nil
}

// Delete removes tags explicitly so it does not depend on foreign key
// enforcement being enabled on the connection.
func (r *SQLRepository) Delete(ctx context.Context, category, name string) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		DELETE FROM items_tags WHERE item_id IN (
			SELECT id FROM items WHERE category = ? AND name = ?
		)`), category, name)
	if err != nil {
		return fmt.Errorf("failed to delete item tags: %w", err)
	}

	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM items WHERE category = ? AND name = ?`), category, name)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return fmt.Errorf("%w: %s/%s", common.ErrNotFound, category, name)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, category, name string) (*models.Row, error) {
	query := `SELECT id, category, name, value FROM items WHERE category = ? AND name = ?`
	row := &models.Row{}
	err := r.db.QueryRowContext(ctx, r.q(query), category, name).
		Scan(&row.ID, &row.Category, &row.Name, &row.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if err := r.loadTags(ctx, []*models.Row{row}); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *SQLRepository) Count(ctx context.Context, category string, pred tagindex.Predicate) (int64, error) {
	where, args := pred.SQL("i.id")
	query := `SELECT COUNT(*) FROM items i WHERE i.category = ?` + where

	var n int64
	err := r.db.QueryRowContext(ctx, r.q(query), append([]any{category}, args...)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

func (r *SQLRepository) Page(ctx context.Context, category string, pred tagindex.Predicate, afterID int64, limit int) ([]*models.Row, error) {
	where, predArgs := pred.SQL("i.id")
	query := `SELECT i.id, i.category, i.name, i.value FROM items i
		WHERE i.category = ? AND i.id > ?` + where + `
		ORDER BY i.id LIMIT ?`

	args := make([]any, 0, len(predArgs)+3)
	args = append(args, category, afterID)
	args = append(args, predArgs...)
	args = append(args, limit)

	rs, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select items: %w", err)
	}
	defer rs.Close()

	var result []*models.Row
	for rs.Next() {
		row := &models.Row{}
		if err := rs.Scan(&row.ID, &row.Category, &row.Name, &row.Value); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		result = append(result, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	rs.Close()

	if err := r.loadTags(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// loadTags fills the Tags of rows with one query, in the order they were
// written.
func (r *SQLRepository) loadTags(ctx context.Context, rows []*models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	byID := make(map[int64]*models.Row, len(rows))
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
		ids = append(ids, row.ID)
	}

	query := `SELECT item_id, name, value, plaintext FROM items_tags
		WHERE item_id IN (` + dbx.In(len(ids)) + `)
		ORDER BY item_id, seq`
	rs, err := r.db.QueryContext(ctx, r.q(query), ids...)
	if err != nil {
		return fmt.Errorf("failed to select item tags: %w", err)
	}
	defer rs.Close()

	for rs.Next() {
		var id int64
		var t models.RowTag
		if err := rs.Scan(&id, &t.Name, &t.Value, &t.Plaintext); err != nil {
			return fmt.Errorf("failed to scan item tag: %w", err)
		}
		if row, ok := byID[id]; ok {
			row.Tags = append(row.Tags, t)
		}
	}
	if err := rs.Err(); err != nil {
		return fmt.Errorf("failed to iterate item tags: %w", err)
	}
	return nil
}

func (r *SQLRepository) LockRow(ctx context.Context, category, name string) (bool, error) {
	if !r.rowLocks {
		row, err := r.Get(ctx, category, name)
		return row != nil, err
	}
	var id int64
	err := r.db.QueryRowContext(ctx, r.q(`SELECT id FROM items WHERE category = ? AND name = ? FOR UPDATE`), category, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock item: %w", err)
	}
	return true, nil
}
