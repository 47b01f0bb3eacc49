package pubsub

import (
	"slices"
	"strings"
)

// NaturalOrder is the pseudo field that sorts records by insertion order.
const NaturalOrder = "$natural"

// SortKey is one component of a sort order.
type SortKey struct {
	Field      string
	Descending bool
}

// DefaultOrder lists the most recently inserted records first.
var DefaultOrder = []SortKey{{Field: NaturalOrder, Descending: true}}

// Query describes a list call.
type Query struct {
	Where Where
	Order []SortKey
	Limit int
	Skip  int
	// Offset is an alternative spelling of Skip. Skip wins when both are set.
	Offset int
}

// EffectiveOrder returns the caller's order or DefaultOrder.
func (q Query) EffectiveOrder() []SortKey {
	if len(q.Order) == 0 {
		return DefaultOrder
	}

	return q.Order
}

// EffectiveSkip returns Skip if set, else Offset.
func (q Query) EffectiveSkip() int {
	if q.Skip > 0 {
		return q.Skip
	}

	if q.Offset > 0 {
		return q.Offset
	}

	return 0
}

// ParseOrder parses sort expressions of the forms "field", "field ASC", "field DESC" and "-field".
// Empty expressions are ignored.
func ParseOrder(expressions ...string) []SortKey {
	keys := make([]SortKey, 0, len(expressions))

	for _, expression := range expressions {
		for _, part := range strings.Split(expression, ",") {
			fields := strings.Fields(part)
			if len(fields) == 0 {
				continue
			}

			key := SortKey{Field: fields[0]}

			if strings.HasPrefix(key.Field, "-") && len(key.Field) > 1 {
				key.Field = key.Field[1:]
				key.Descending = true
			}

			if len(fields) > 1 && strings.EqualFold(fields[1], "desc") {
				key.Descending = true
			}

			keys = append(keys, key)
		}
	}

	return keys
}

// OrderFromMap converts a {field: direction} object, e.g. {"$natural": -1}, into sort keys.
// Negative numbers and "desc" mean descending. Keys are taken in sorted order.
func OrderFromMap(order map[string]any) []SortKey {
	fields := make([]string, 0, len(order))
	for field := range order {
		fields = append(fields, field)
	}
	slices.Sort(fields)

	keys := make([]SortKey, 0, len(fields))
	for _, field := range fields {
		keys = append(keys, SortKey{Field: field, Descending: isDescending(order[field])})
	}

	return keys
}

func isDescending(direction any) bool {
	switch d := direction.(type) {
	case int:
		return d < 0
	case int32:
		return d < 0
	case int64:
		return d < 0
	case float64:
		return d < 0
	case string:
		return strings.EqualFold(d, "desc") || d == "-1"
	default:
		return false
	}
}

// RemoveResult is returned by bulk removal.
type RemoveResult struct {
	Count int64
}
