// Package items persists encrypted rows and their tags in the items and
// items_tags tables shared by the SQL backends.
package items

import (
	"context"

	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
)

// Repository is the row-level storage used by a SQL backend transaction.
type Repository interface {
	// Insert stores a new row and returns its id. An existing key yields
	// common.ErrDuplicate.
	Insert(ctx context.Context, row *models.Row) (int64, error)
	// Replace inserts or overwrites a row, replacing all of its tags.
	Replace(ctx context.Context, row *models.Row) (int64, error)
	// Delete removes a row and its tags. An absent key yields common.ErrNotFound.
	Delete(ctx context.Context, category, name string) error
	// Get returns the row with its tags, or nil if absent.
	Get(ctx context.Context, category, name string) (*models.Row, error)
	// Count returns the number of rows in category matching pred.
	Count(ctx context.Context, category string, pred tagindex.Predicate) (int64, error)
	// Page returns up to limit rows with id greater than afterID, ordered by id.
	Page(ctx context.Context, category string, pred tagindex.Predicate, afterID int64, limit int) ([]*models.Row, error)
	// LockRow takes a row lock on an existing key and reports whether it exists.
	LockRow(ctx context.Context, category, name string) (bool, error)
}
