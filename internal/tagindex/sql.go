package tagindex

import "strings"

// SQL renders p as a sequence of "AND EXISTS (...)" clauses correlated with
// the item id column itemID. Placeholders are written as '?'; dialects that
// use numbered parameters rebind the final query.
func (p Predicate) SQL(itemID string) (string, []any) {
	if len(p) == 0 {
		return "", nil
	}
	var sb strings.Builder
	args := make([]any, 0, len(p)*3)
	for _, c := range p {
		sb.WriteString(" AND EXISTS (SELECT 1 FROM items_tags t WHERE t.item_id = ")
		sb.WriteString(itemID)
		sb.WriteString(" AND t.plaintext = ? AND t.name = ? AND t.value = ?)")
		args = append(args, c.Plaintext, c.Name, c.Value)
	}
	return sb.String(), args
}
