// Package filex holds file system helpers for file-backed stores.
package filex

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/gophstore/internal/common"
)

// PrepareFile checks the database file at path before it is opened. A
// missing file is an error unless create is set, in which case its parent
// directory is created.
func PrepareFile(path string, create bool) error {
	if path == "" {
		return fmt.Errorf("%w: empty database path", common.ErrProvision)
	}

	fi, err := os.Stat(path)
	switch {
	case err == nil:
		if fi.IsDir() {
			return fmt.Errorf("%w: %q is a directory", common.ErrProvision, path)
		}
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", common.ErrProvision, err)
	case !create:
		return fmt.Errorf("%w: database %q does not exist", common.ErrProvision, path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", common.ErrProvision, dir, err)
	}
	return nil
}
