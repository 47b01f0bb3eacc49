package postgresengine

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	jsoniter "github.com/json-iterator/go"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

const (
	colID        = "_id"
	colSeq       = "seq"
	colTxid      = "_txid"
	colEvent     = "event"
	colMessage   = "message"
	colDeleted   = "_deleted"
	colCreatedAt = "created_at"

	messagePathPrefix = colMessage + "."
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// reservedColumns maps filter and sort fields onto table columns. Every other field lives in the message.
var reservedColumns = map[string]string{
	pubsub.NativeIDField: colID,
	colEvent:             colEvent,
	colCreatedAt:         colCreatedAt,
	colSeq:               colSeq,
	pubsub.NaturalOrder:  colSeq,
}

// passthroughOperator matches the unknown operators that are rendered verbatim as SQL operators.
var passthroughOperator = regexp.MustCompile(`^[@<>=~!?|&#-]+$`)

// jsonbFunctions replaces the operators that contain "?", which goqu reserves as placeholder.
var jsonbFunctions = map[string]string{
	"?":  "jsonb_exists",
	"?|": "jsonb_exists_any",
	"?&": "jsonb_exists_all",
	"@?": "jsonb_path_exists",
}

var (
	sqlTrue  = goqu.L("TRUE")
	sqlFalse = goqu.L("FALSE")
)

// TombstonePredicate excludes records flagged as deleted by foreign tools.
func TombstonePredicate() exp.Expression {
	return goqu.C(colDeleted).IsNotTrue()
}

// WithTombstoneExclusion conjoins expr with TombstonePredicate. A nil expr yields the tombstone predicate alone.
func WithTombstoneExclusion(expr exp.Expression) exp.Expression {
	if expr == nil {
		return TombstonePredicate()
	}

	return goqu.And(expr, TombstonePredicate())
}

// Translate renders a parsed filter tree as a goqu expression for a partition table.
// A nil result means the tree places no constraint.
func Translate(node pubsub.Node) (exp.Expression, error) {
	switch n := node.(type) {
	case nil:
		return nil, nil
	case pubsub.Logical:
		return translateLogical(n)
	case pubsub.Condition:
		return translateCondition(n)
	default:
		return nil, errors.Join(pubsub.ErrInvalidFilter, fmt.Errorf("unsupported filter node %T", node))
	}
}

func translateLogical(n pubsub.Logical) (exp.Expression, error) {
	parts := make([]exp.Expression, 0, len(n.Children))
	matchesAll := false

	for _, child := range n.Children {
		expr, err := Translate(child)
		if err != nil {
			return nil, err
		}

		if expr == nil {
			matchesAll = true
			continue
		}

		parts = append(parts, expr)
	}

	switch n.Operator {
	case pubsub.LogicalOr:
		if matchesAll || len(parts) == 0 {
			return nil, nil
		}
		return goqu.Or(parts...), nil

	case pubsub.LogicalNor:
		if matchesAll {
			return sqlFalse, nil
		}
		if len(parts) == 0 {
			return nil, nil
		}
		return goqu.L("NOT (?)", goqu.Or(parts...)), nil

	default:
		switch len(parts) {
		case 0:
			return nil, nil
		case 1:
			return parts[0], nil
		default:
			return goqu.And(parts...), nil
		}
	}
}

func translateCondition(c pubsub.Condition) (exp.Expression, error) {
	if column, ok := reservedColumns[c.Field]; ok {
		return columnCondition(column, c)
	}

	return messageCondition(fieldPath(c.Field), c)
}

// fieldPath splits a dotted field into its JSONB path. A leading "message." is optional.
func fieldPath(field string) []string {
	field = strings.TrimPrefix(field, messagePathPrefix)
	if field == colMessage || field == "" {
		return []string{}
	}

	return strings.Split(field, ".")
}

//nolint:gocyclo
func messageCondition(path []string, c pubsub.Condition) (exp.Expression, error) {
	value := jsonPath(path)

	switch c.Operator {
	case pubsub.OpEq:
		return equals(path, c.Operand)

	case pubsub.OpNeq:
		eq, err := equals(path, c.Operand)
		if err != nil {
			return nil, err
		}
		return goqu.L("NOT (?)", eq), nil

	case pubsub.OpGt, pubsub.OpGte, pubsub.OpLt, pubsub.OpLte:
		return compare(value, comparisonOperators[c.Operator], c.Operand)

	case pubsub.OpBetween:
		bounds, _ := c.Operand.([]any)
		if len(bounds) != 2 {
			return nil, errors.Join(pubsub.ErrInvalidFilter, fmt.Errorf("between on %q expects two bounds", c.Field))
		}
		lower, err := compare(value, ">=", bounds[0])
		if err != nil {
			return nil, err
		}
		upper, err := compare(value, "<=", bounds[1])
		if err != nil {
			return nil, err
		}
		return goqu.And(lower, upper), nil

	case pubsub.OpInq, pubsub.OpNin:
		values, _ := c.Operand.([]any)
		if len(values) == 0 {
			if c.Operator == pubsub.OpNin {
				return sqlTrue, nil
			}
			return sqlFalse, nil
		}
		anyOf, err := equalsAny(path, values)
		if err != nil {
			return nil, err
		}
		if c.Operator == pubsub.OpNin {
			return goqu.L("NOT (?)", anyOf), nil
		}
		return anyOf, nil

	case pubsub.OpLike:
		op, pattern := regexOperator(c.Operand, c.Modifier)
		return goqu.L("? "+op+" ?", textPath(path), pattern), nil

	case pubsub.OpNlike:
		op, pattern := regexOperator(c.Operand, c.Modifier)
		return goqu.L("NOT COALESCE(? "+op+" ?, FALSE)", textPath(path), pattern), nil

	case pubsub.OpIsNull:
		return goqu.L("(? IS NULL OR jsonb_typeof(?) = 'null')", value, value), nil

	case pubsub.OpExists:
		if exists, _ := c.Operand.(bool); exists {
			return goqu.L("? IS NOT NULL", value), nil
		}
		return goqu.L("? IS NULL", value), nil

	case pubsub.OpPassthrough:
		return messagePassthrough(path, c)

	default:
		return nil, errors.Join(pubsub.ErrInvalidFilter, fmt.Errorf("unsupported operator %s", c.Operator))
	}
}

var comparisonOperators = map[pubsub.Operator]string{
	pubsub.OpGt:  ">",
	pubsub.OpGte: ">=",
	pubsub.OpLt:  "<",
	pubsub.OpLte: "<=",
}

// equals matches by containment. A scalar also matches as an element of an array field.
func equals(path []string, operand any) (exp.Expression, error) {
	whole, err := containment(path, operand)
	if err != nil {
		return nil, err
	}

	if !isScalar(operand) {
		return whole, nil
	}

	element, err := containment(path, []any{operand})
	if err != nil {
		return nil, err
	}

	return goqu.Or(whole, element), nil
}

func equalsAny(path []string, values []any) (exp.Expression, error) {
	parts := make([]exp.Expression, 0, len(values))
	for _, v := range values {
		eq, err := equals(path, v)
		if err != nil {
			return nil, err
		}
		parts = append(parts, eq)
	}

	return goqu.Or(parts...), nil
}

func containment(path []string, operand any) (exp.Expression, error) {
	raw, err := encodeJSON(nest(path, operand))
	if err != nil {
		return nil, err
	}

	return goqu.L("? @> ?::jsonb", goqu.I(colMessage), raw), nil
}

// compare only matches values of the operand's jsonb type.
func compare(value exp.LiteralExpression, op string, operand any) (exp.Expression, error) {
	raw, err := encodeJSON(operand)
	if err != nil {
		return nil, err
	}

	return goqu.L("(jsonb_typeof(?) = jsonb_typeof(?::jsonb) AND ? "+op+" ?::jsonb)", value, raw, value, raw), nil
}

func messagePassthrough(path []string, c pubsub.Condition) (exp.Expression, error) {
	if !passthroughOperator.MatchString(c.RawOperator) {
		// A word operator is kept as a nested key, e.g. {"size": {"$size": 2}}.
		return containment(path, map[string]any{c.RawOperator: c.Operand})
	}

	value := jsonPath(path)

	if fn, ok := jsonbFunctions[c.RawOperator]; ok {
		switch operand := c.Operand.(type) {
		case string:
			if c.RawOperator == "@?" {
				return goqu.L(fn+"(?, ?::jsonpath)", value, operand), nil
			}
			return goqu.L(fn+"(?, ?)", value, operand), nil
		default:
			items, ok := stringSlice(operand)
			if !ok {
				return nil, errors.Join(pubsub.ErrInvalidFilter, fmt.Errorf("%s on %q expects text operands", c.RawOperator, c.Field))
			}
			return goqu.L(fn+"(?, ?::text[])", value, textArray(items)), nil
		}
	}

	// "--" would start an SQL comment.
	if strings.Contains(c.RawOperator, "?") || strings.Contains(c.RawOperator, "--") {
		return nil, errors.Join(pubsub.ErrInvalidFilter, fmt.Errorf("unsupported operator %q", c.RawOperator))
	}

	raw, err := encodeJSON(c.Operand)
	if err != nil {
		return nil, err
	}

	return goqu.L("? "+c.RawOperator+" ?::jsonb", value, raw), nil
}

func columnCondition(column string, c pubsub.Condition) (exp.Expression, error) {
	col := goqu.C(column)
	operand := columnValue(column, c.Operand)

	switch c.Operator {
	case pubsub.OpEq:
		return col.Eq(operand), nil
	case pubsub.OpNeq:
		return col.Neq(operand), nil
	case pubsub.OpGt:
		return col.Gt(operand), nil
	case pubsub.OpGte:
		return col.Gte(operand), nil
	case pubsub.OpLt:
		return col.Lt(operand), nil
	case pubsub.OpLte:
		return col.Lte(operand), nil

	case pubsub.OpBetween:
		bounds, _ := c.Operand.([]any)
		if len(bounds) != 2 {
			return nil, errors.Join(pubsub.ErrInvalidFilter, fmt.Errorf("between on %q expects two bounds", c.Field))
		}
		return col.Between(goqu.Range(columnValue(column, bounds[0]), columnValue(column, bounds[1]))), nil

	case pubsub.OpInq, pubsub.OpNin:
		values, _ := c.Operand.([]any)
		if len(values) == 0 {
			if c.Operator == pubsub.OpNin {
				return sqlTrue, nil
			}
			return sqlFalse, nil
		}
		converted := make([]any, len(values))
		for i, v := range values {
			converted[i] = columnValue(column, v)
		}
		if c.Operator == pubsub.OpNin {
			return col.NotIn(converted...), nil
		}
		return col.In(converted...), nil

	case pubsub.OpLike:
		op, pattern := regexOperator(c.Operand, c.Modifier)
		return goqu.L("? "+op+" ?", col, pattern), nil

	case pubsub.OpNlike:
		op, pattern := regexOperator(c.Operand, c.Modifier)
		return goqu.L("NOT COALESCE(? "+op+" ?, FALSE)", col, pattern), nil

	case pubsub.OpIsNull:
		return col.IsNull(), nil

	case pubsub.OpExists:
		if exists, _ := c.Operand.(bool); exists {
			return sqlTrue, nil
		}
		return sqlFalse, nil

	case pubsub.OpPassthrough:
		if !passthroughOperator.MatchString(c.RawOperator) ||
			strings.Contains(c.RawOperator, "?") || strings.Contains(c.RawOperator, "--") {
			return nil, errors.Join(pubsub.ErrInvalidFilter, fmt.Errorf("unsupported operator %q on column %q", c.RawOperator, column))
		}
		return goqu.L("? "+c.RawOperator+" ?", col, operand), nil

	default:
		return nil, errors.Join(pubsub.ErrInvalidFilter, fmt.Errorf("unsupported operator %s", c.Operator))
	}
}

func columnValue(column string, v any) any {
	if column == colID {
		return pubsub.IDString(v)
	}

	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	default:
		return v
	}
}

// regexOperator maps like flags onto Postgres ARE: "i" selects ~*, "m" and "x" become embedded options.
func regexOperator(operand any, flags string) (string, string) {
	pattern := fmt.Sprint(operand)
	if re, ok := operand.(*regexp.Regexp); ok {
		pattern = re.String()
	}

	op := "~"
	embedded := make([]rune, 0, 2)

	for _, flag := range flags {
		switch flag {
		case 'i':
			op = "~*"
		case 'm':
			embedded = append(embedded, 'w')
		case 'x':
			embedded = append(embedded, 'x')
		}
	}

	if len(embedded) > 0 {
		pattern = "(?" + string(embedded) + ")" + pattern
	}

	return op, pattern
}

// OrderExpressions renders sort keys. $natural sorts by insertion sequence, message fields by their jsonb value.
func OrderExpressions(keys []pubsub.SortKey) []exp.OrderedExpression {
	ordered := make([]exp.OrderedExpression, 0, len(keys))

	for _, key := range keys {
		var sortable exp.Orderable
		if column, ok := reservedColumns[key.Field]; ok {
			sortable = goqu.C(column)
		} else {
			sortable = jsonPath(fieldPath(key.Field))
		}

		if key.Descending {
			ordered = append(ordered, sortable.Desc())
		} else {
			ordered = append(ordered, sortable.Asc())
		}
	}

	return ordered
}

func jsonPath(path []string) exp.LiteralExpression {
	return goqu.L("(? #> ?::text[])", goqu.I(colMessage), textArray(path))
}

func textPath(path []string) exp.LiteralExpression {
	return goqu.L("(? #>> ?::text[])", goqu.I(colMessage), textArray(path))
}

// textArray renders a Postgres text[] literal, e.g. {"a","b"}.
func textArray(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		item = strings.ReplaceAll(item, `\`, `\\`)
		item = strings.ReplaceAll(item, `"`, `\"`)
		quoted[i] = `"` + item + `"`
	}

	return "{" + strings.Join(quoted, ",") + "}"
}

// nest wraps value into objects along path, so {a,b} and 1 becomes {"a":{"b":1}}.
func nest(path []string, value any) any {
	nested := value
	for i := len(path) - 1; i >= 0; i-- {
		nested = map[string]any{path[i]: nested}
	}

	return nested
}

func encodeJSON(v any) (string, error) {
	raw, err := jsonAPI.Marshal(jsonValue(v))
	if err != nil {
		return "", errors.Join(pubsub.ErrInvalidFilter, err)
	}

	return string(raw), nil
}

// jsonValue converts values to their persisted JSON form: ObjectIDs as hex, times as UTC RFC 3339.
func jsonValue(v any) any {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case *regexp.Regexp:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = jsonValue(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = jsonValue(item)
		}
		return out
	default:
		return v
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any, nil:
		return false
	}

	kind := reflect.ValueOf(v).Kind()

	return kind != reflect.Map && kind != reflect.Slice && kind != reflect.Array
}

func stringSlice(v any) ([]string, bool) {
	switch items := v.(type) {
	case []string:
		return items, true
	case []any:
		out := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
