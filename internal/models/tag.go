package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dmitrijs2005/gophstore/internal/common"
)

// PlaintextPrefix marks a tag name as plaintext in the wire form of tags and
// filters. It is parsed once into Tag.Plaintext and never kept in Tag.Name.
const PlaintextPrefix = "~"

// Tag is a searchable attribute of an entry. Plaintext tags are stored as-is;
// the others are deterministically encrypted so that equality search works.
// The plaintext flag is part of the tag identity.
type Tag struct {
	Name      string
	Value     string
	Plaintext bool
}

// ParseTag splits a wire tag name into its bare name and plaintext flag.
func ParseTag(wireName, value string) Tag {
	if name, ok := strings.CutPrefix(wireName, PlaintextPrefix); ok {
		return Tag{Name: name, Value: value, Plaintext: true}
	}
	return Tag{Name: wireName, Value: value}
}

// ParseTags converts the wire map form into tags ordered by wire name.
func ParseTags(m map[string]string) []Tag {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	tags := make([]Tag, 0, len(m))
	for _, k := range names {
		tags = append(tags, ParseTag(k, m[k]))
	}
	return tags
}

// WireName returns the tag name with the plaintext marker when applicable.
func (t Tag) WireName() string {
	if t.Plaintext {
		return PlaintextPrefix + t.Name
	}
	return t.Name
}

// TagsToMap converts tags back into the wire map form.
func TagsToMap(tags []Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.WireName()] = t.Value
	}
	return m
}

// ValidateTags rejects empty names and repeated tag identities.
func ValidateTags(tags []Tag) error {
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t.Name == "" {
			return fmt.Errorf("%w: empty tag name", common.ErrValidation)
		}
		id := t.WireName()
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate tag %q", common.ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
