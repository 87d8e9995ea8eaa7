package models

import "bytes"

// Row is the encrypted form of an Entry as persisted by a backend.
// Category and Name are kept in the clear; Value is AEAD ciphertext.
type Row struct {
	// ID is the backend-native row identifier used for cursor ordering.
	ID       int64
	Category string
	Name     string
	Value    []byte
	Tags     []RowTag
}

// RowTag is a persisted tag. For encrypted tags Name and Value hold
// deterministic ciphertext; for plaintext tags they hold the raw bytes.
type RowTag struct {
	Name      []byte
	Value     []byte
	Plaintext bool
}

// Equal reports whether two persisted tags are identical.
func (t RowTag) Equal(o RowTag) bool {
	return t.Plaintext == o.Plaintext && bytes.Equal(t.Name, o.Name) && bytes.Equal(t.Value, o.Value)
}

// Key returns the entry key of the row.
func (r *Row) Key() EntryKey {
	return EntryKey{Category: r.Category, Name: r.Name}
}
