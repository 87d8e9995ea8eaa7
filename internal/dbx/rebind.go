package dbx

import (
	"strconv"
	"strings"
)

// Placeholder is the bind parameter style of a SQL dialect.
type Placeholder int

const (
	// Question is the '?' style used by SQLite.
	Question Placeholder = iota
	// Dollar is the '$1' style used by PostgreSQL.
	Dollar
)

// Rebind rewrites the '?' placeholders of query into style p.
// Queries must not contain literal question marks.
func Rebind(p Placeholder, query string) string {
	if p == Question {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// In returns "?, ?, ..." with n placeholders.
func In(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
