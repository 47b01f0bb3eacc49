package pubsub

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
)

// Where is a declarative where-clause: field/operator/value triples combined with "and", "or" and "nor".
//
//	Where{
//		"event": "login",
//		"age":   map[string]any{"between": []any{18, 65}},
//		"or": []any{
//			Where{"country": "DE"},
//			Where{"name": map[string]any{"like": "^an", "options": "i"}},
//		},
//	}
type Where = map[string]any

// Operator is the closed vocabulary of recognized filter operators.
type Operator int

const (
	OpEq Operator = iota
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
	OpBetween
	OpInq
	OpNin
	OpLike
	OpNlike
	OpIsNull
	OpExists
	// OpPassthrough carries an unrecognized operator key verbatim in Condition.RawOperator.
	OpPassthrough
)

var operatorNames = map[string]Operator{
	"eq":      OpEq,
	"neq":     OpNeq,
	"gt":      OpGt,
	"gte":     OpGte,
	"lt":      OpLt,
	"lte":     OpLte,
	"between": OpBetween,
	"inq":     OpInq,
	"nin":     OpNin,
	"like":    OpLike,
	"nlike":   OpNlike,
	"regexp":  OpLike,
	"exists":  OpExists,
}

// String returns the operator keyword.
func (o Operator) String() string {
	switch o {
	case OpIsNull:
		return "null"
	case OpPassthrough:
		return "passthrough"
	}

	for name, op := range operatorNames {
		if op == o && name != "regexp" {
			return name
		}
	}

	return "unknown"
}

// LogicalOperator combines child nodes.
type LogicalOperator int

const (
	LogicalAnd LogicalOperator = iota
	LogicalOr
	LogicalNor
)

var logicalNames = map[string]LogicalOperator{
	"and": LogicalAnd,
	"or":  LogicalOr,
	"nor": LogicalNor,
}

// String returns the combinator keyword.
func (o LogicalOperator) String() string {
	switch o {
	case LogicalOr:
		return "or"
	case LogicalNor:
		return "nor"
	default:
		return "and"
	}
}

// modifierKey is the companion key of like/nlike carrying the pattern flags.
const modifierKey = "options"

// Node is a parsed filter tree node: either a Condition or a Logical.
type Node interface {
	isNode()
}

// Condition is a single field predicate.
type Condition struct {
	Field       string
	Operator    Operator
	Operand     any
	Modifier    string
	RawOperator string
}

// Logical combines child nodes with a boolean combinator.
type Logical struct {
	Operator LogicalOperator
	Children []Node
}

func (Condition) isNode() {}
func (Logical) isNode()   {}

// IsEmptyNode reports whether n matches everything.
func IsEmptyNode(n Node) bool {
	if n == nil {
		return true
	}

	l, ok := n.(Logical)

	return ok && l.Operator == LogicalAnd && len(l.Children) == 0
}

// ParseWhere turns a where-clause into a Node tree.
//
// The topic's identifier field (idField) is renamed to NativeIDField and its values are normalized
// with NormalizeID. Fields are processed in sorted order, so equal inputs produce equal trees.
// An empty or nil where-clause yields an empty Logical, which matches everything.
func ParseWhere(where Where, idField string) (Node, error) {
	if idField == "" {
		idField = DefaultIDField
	}

	p := whereParser{idField: idField}

	return p.parseObject(where)
}

type whereParser struct {
	idField string
}

func (p whereParser) parseObject(where map[string]any) (Logical, error) {
	root := Logical{Operator: LogicalAnd}
	if len(where) == 0 {
		return root, nil
	}

	fields := make([]string, 0, len(where))
	for field := range where {
		fields = append(fields, field)
	}
	slices.Sort(fields)

	for _, field := range fields {
		node, err := p.parseField(field, where[field])
		if err != nil {
			return Logical{}, err
		}

		root.Children = append(root.Children, node)
	}

	return root, nil
}

func (p whereParser) parseField(field string, value any) (Node, error) {
	if combinator, ok := logicalNames[field]; ok {
		return p.parseLogical(combinator, value)
	}

	isID := field == p.idField || field == NativeIDField
	if isID {
		field = NativeIDField
	}

	switch v := value.(type) {
	case nil:
		return Condition{Field: field, Operator: OpIsNull}, nil

	case *regexp.Regexp:
		return Condition{Field: field, Operator: OpLike, Operand: v.String()}, nil

	case map[string]any:
		if cond, ok, err := p.parseOperatorObject(field, v, isID); ok || err != nil {
			return cond, err
		}

		return Condition{Field: field, Operator: OpEq, Operand: v}, nil
	}

	if isID {
		value = NormalizeID(value)
	}

	return Condition{Field: field, Operator: OpEq, Operand: value}, nil
}

func (p whereParser) parseLogical(combinator LogicalOperator, value any) (Node, error) {
	items, ok := toSlice(value)
	if !ok {
		return nil, errors.Join(ErrInvalidFilter, fmt.Errorf("%q expects an array of objects", combinator))
	}

	logical := Logical{Operator: combinator}
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, errors.Join(ErrInvalidFilter, fmt.Errorf("%q element %d is not an object", combinator, i))
		}

		child, err := p.parseObject(obj)
		if err != nil {
			return nil, err
		}

		logical.Children = append(logical.Children, child)
	}

	return logical, nil
}

// parseOperatorObject dispatches an object value that carries exactly one operator key,
// optionally accompanied by the "options" modifier. ok is false when v is a plain nested object.
func (p whereParser) parseOperatorObject(field string, v map[string]any, isID bool) (Condition, bool, error) {
	modifier, hasModifier := v[modifierKey].(string)

	var key string
	switch {
	case len(v) == 1:
		for k := range v {
			key = k
		}
	case len(v) == 2 && hasModifier:
		for k := range v {
			if k != modifierKey {
				key = k
			}
		}
	default:
		return Condition{}, false, nil
	}

	operand := v[key]

	op, known := operatorNames[key]
	if !known {
		return Condition{Field: field, Operator: OpPassthrough, RawOperator: key, Operand: operand}, true, nil
	}

	cond := Condition{Field: field, Operator: op, Operand: operand}

	switch op {
	case OpBetween:
		bounds, ok := toSlice(operand)
		if !ok || len(bounds) != 2 {
			return Condition{}, true, errors.Join(ErrInvalidFilter, fmt.Errorf("between on %q expects exactly two bounds", field))
		}
		if isID {
			bounds = []any{NormalizeID(bounds[0]), NormalizeID(bounds[1])}
		}
		cond.Operand = bounds

	case OpInq, OpNin:
		values, ok := toSlice(operand)
		if !ok {
			values = []any{operand}
		}
		normalized := make([]any, len(values))
		for i, value := range values {
			normalized[i] = NormalizeID(value)
		}
		cond.Operand = normalized

	case OpLike, OpNlike:
		switch pattern := operand.(type) {
		case string:
		case *regexp.Regexp:
			cond.Operand = pattern.String()
		default:
			return Condition{}, true, errors.Join(ErrInvalidFilter, fmt.Errorf("%s on %q expects a pattern string", op, field))
		}
		cond.Modifier = modifier

	case OpExists:
		exists, ok := operand.(bool)
		if !ok {
			return Condition{}, true, errors.Join(ErrInvalidFilter, fmt.Errorf("exists on %q expects a boolean", field))
		}
		cond.Operand = exists

	case OpEq, OpNeq:
		if operand == nil {
			if op == OpEq {
				return Condition{Field: field, Operator: OpIsNull}, true, nil
			}
		}
		if isID {
			cond.Operand = NormalizeID(operand)
		}

	default:
		if isID {
			cond.Operand = NormalizeID(operand)
		}
	}

	return cond, true, nil
}

// toSlice converts any slice or array value into []any.
func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}

	if items, ok := v.([]map[string]any); ok {
		out := make([]any, len(items))
		for i := range items {
			out[i] = items[i]
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}

	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}

	return out, true
}
