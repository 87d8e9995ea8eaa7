// Package metadata persists store-level settings (key scheme, KDF salt, key
// check value, schema version) in a key/value table shared by the SQL
// backends.
package metadata

import "context"

// Repository is a small key/value store. The handful of keys is always
// read together.
type Repository interface {
	Set(ctx context.Context, key string, value []byte) error
	List(ctx context.Context) (map[string][]byte, error)
}
