// Package models defines the logical records handled by the store and their
// encrypted on-disk representation.
package models

import (
	"fmt"

	"github.com/dmitrijs2005/gophstore/internal/common"
)

// EntryKey identifies an entry. (Category, Name) is unique within a store.
type EntryKey struct {
	Category string
	Name     string
}

func (k EntryKey) String() string {
	return k.Category + "/" + k.Name
}

// Entry is a named, categorized record with an opaque value and tags.
type Entry struct {
	Category string
	Name     string
	Value    []byte
	Tags     []Tag
}

// Key returns the unique key of the entry.
func (e *Entry) Key() EntryKey {
	return EntryKey{Category: e.Category, Name: e.Name}
}

// Validate checks that the entry has a key and that tag identities
// (name plus plaintext flag) are unique.
func (e *Entry) Validate() error {
	if e.Category == "" {
		return fmt.Errorf("%w: empty category", common.ErrValidation)
	}
	if e.Name == "" {
		return fmt.Errorf("%w: empty entry name", common.ErrValidation)
	}
	return ValidateTags(e.Tags)
}

// Operation is the kind of mutation carried by an UpdateEntry.
type Operation int

const (
	// OpReplace inserts the entry or overwrites an existing one.
	OpReplace Operation = iota
	// OpInsert fails with common.ErrDuplicate if the key exists.
	OpInsert
	// OpRemove deletes the entry by key.
	OpRemove
)

func (o Operation) String() string {
	switch o {
	case OpReplace:
		return "replace"
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// UpdateEntry is a pending mutation applied by Store.Update or Lock.Update.
type UpdateEntry struct {
	Entry
	Op Operation
}

// NewUpdateEntry builds a replace mutation. Tag names starting with
// PlaintextPrefix are stored unencrypted.
func NewUpdateEntry(category, name string, value []byte, tags map[string]string) UpdateEntry {
	return UpdateEntry{
		Entry: Entry{Category: category, Name: name, Value: value, Tags: ParseTags(tags)},
		Op:    OpReplace,
	}
}

// Insert returns a copy of u that fails on an existing key.
func (u UpdateEntry) Insert() UpdateEntry {
	u.Op = OpInsert
	return u
}

// Remove returns a copy of u that deletes the key.
func (u UpdateEntry) Remove() UpdateEntry {
	u.Op = OpRemove
	return u
}

// RemoveMode selects how removing an absent key behaves.
type RemoveMode int

const (
	// RemoveFail reports common.ErrNotFound for an absent key.
	RemoveFail RemoveMode = iota
	// RemoveIdempotent treats removal of an absent key as success.
	RemoveIdempotent
)

// ParseRemoveMode converts "fail" or "idempotent" into a RemoveMode.
func ParseRemoveMode(s string) (RemoveMode, error) {
	switch s {
	case "", "fail":
		return RemoveFail, nil
	case "idempotent":
		return RemoveIdempotent, nil
	default:
		return RemoveFail, fmt.Errorf("%w: unknown remove mode %q", common.ErrValidation, s)
	}
}
