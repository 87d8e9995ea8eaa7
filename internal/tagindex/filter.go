// Package tagindex turns tag filters into predicates over persisted rows.
//
// A Filter is a conjunction of tag equality conditions. Before reaching a
// backend it is encoded with the store key: plaintext conditions keep their
// raw bytes, encrypted conditions are replaced by the blind index of the
// tag name and value. The encoded Predicate can then be rendered as SQL or
// evaluated in process against RowTags.
package tagindex

import (
	"sort"

	"github.com/dmitrijs2005/gophstore/internal/models"
)

// Filter is a conjunction of tag equality conditions.
// The zero value matches every entry.
type Filter struct {
	conds []models.Tag
}

// ParseFilter builds a filter from the wire form: a mapping from tag name to
// required value, where names starting with models.PlaintextPrefix denote
// plaintext tags.
func ParseFilter(m map[string]string) Filter {
	return Filter{conds: models.ParseTags(m)}
}

// Eq returns a filter matching an encrypted tag.
func Eq(name, value string) Filter {
	return Filter{conds: []models.Tag{{Name: name, Value: value}}}
}

// PlainEq returns a filter matching a plaintext tag.
func PlainEq(name, value string) Filter {
	return Filter{conds: []models.Tag{{Name: name, Value: value, Plaintext: true}}}
}

// And returns the conjunction of f and others.
func (f Filter) And(others ...Filter) Filter {
	out := Filter{conds: append([]models.Tag(nil), f.conds...)}
	for _, o := range others {
		out.conds = append(out.conds, o.conds...)
	}
	sort.SliceStable(out.conds, func(i, j int) bool {
		return out.conds[i].WireName() < out.conds[j].WireName()
	})
	return out
}

// Conditions returns the tag conditions of the filter.
func (f Filter) Conditions() []models.Tag {
	return f.conds
}

// Empty reports whether the filter has no conditions.
func (f Filter) Empty() bool {
	return len(f.conds) == 0
}

// Encoder maps tag conditions into their persisted form.
// cryptox.StoreKey implements it.
type Encoder interface {
	EncodeTag(t models.Tag) (models.RowTag, error)
}

// Encode converts f into a predicate comparable with persisted tags.
func (f Filter) Encode(enc Encoder) (Predicate, error) {
	if f.Empty() {
		return nil, nil
	}
	p := make(Predicate, 0, len(f.conds))
	for _, c := range f.conds {
		rt, err := enc.EncodeTag(c)
		if err != nil {
			return nil, err
		}
		p = append(p, rt)
	}
	return p, nil
}

// Predicate is an encoded filter. All conditions are ANDed; a nil predicate
// matches every row.
type Predicate []models.RowTag

// Matches evaluates p against the tags of one row.
func (p Predicate) Matches(tags []models.RowTag) bool {
	for _, c := range p {
		found := false
		for _, t := range tags {
			if c.Equal(t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
