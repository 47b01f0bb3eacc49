package pubsub_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

const hexID = "5f1e6b2a9d3c4e0012345678"

func mustObjectID(t *testing.T, hex string) primitive.ObjectID {
	t.Helper()

	oid, err := primitive.ObjectIDFromHex(hex)
	require.NoError(t, err)

	return oid
}

//nolint:funlen
func Test_ParseWhere_ValidClauses(t *testing.T) {
	tests := []struct {
		name     string
		where    pubsub.Where
		idField  string
		expected pubsub.Node
	}{
		{
			name:     "nil_where_matches_everything",
			where:    nil,
			expected: pubsub.Logical{Operator: pubsub.LogicalAnd},
		},
		{
			name:  "plain_value_is_equality",
			where: pubsub.Where{"event": "login"},
			expected: pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
				pubsub.Condition{Field: "event", Operator: pubsub.OpEq, Operand: "login"},
			}},
		},
		{
			name:  "fields_are_processed_in_sorted_order",
			where: pubsub.Where{"b": 2, "a": 1},
			expected: pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
				pubsub.Condition{Field: "a", Operator: pubsub.OpEq, Operand: 1},
				pubsub.Condition{Field: "b", Operator: pubsub.OpEq, Operand: 2},
			}},
		},
		{
			name:  "nil_value_is_null_check",
			where: pubsub.Where{"deletedAt": nil},
			expected: pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
				pubsub.Condition{Field: "deletedAt", Operator: pubsub.OpIsNull},
			}},
		},
		{
			name:  "between_keeps_both_bounds",
			where: pubsub.Where{"age": map[string]any{"between": []any{18, 65}}},
			expected: pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
				pubsub.Condition{Field: "age", Operator: pubsub.OpBetween, Operand: []any{18, 65}},
			}},
		},
		{
			name:  "like_carries_the_options_modifier",
			where: pubsub.Where{"name": map[string]any{"like": "^an", "options": "i"}},
			expected: pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
				pubsub.Condition{Field: "name", Operator: pubsub.OpLike, Operand: "^an", Modifier: "i"},
			}},
		},
		{
			name:  "regexp_value_is_like",
			where: pubsub.Where{"name": regexp.MustCompile("^an")},
			expected: pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
				pubsub.Condition{Field: "name", Operator: pubsub.OpLike, Operand: "^an"},
			}},
		},
		{
			name:  "unknown_operator_passes_through",
			where: pubsub.Where{"tags": map[string]any{"?|": []any{"a", "b"}}},
			expected: pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
				pubsub.Condition{Field: "tags", Operator: pubsub.OpPassthrough, RawOperator: "?|", Operand: []any{"a", "b"}},
			}},
		},
		{
			name:  "nested_object_without_operator_is_equality",
			where: pubsub.Where{"address": map[string]any{"city": "Berlin", "zip": "10115"}},
			expected: pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
				pubsub.Condition{Field: "address", Operator: pubsub.OpEq, Operand: map[string]any{"city": "Berlin", "zip": "10115"}},
			}},
		},
		{
			name: "or_recurses_into_children",
			where: pubsub.Where{"or": []any{
				map[string]any{"country": "DE"},
				map[string]any{"country": "AT"},
			}},
			expected: pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
				pubsub.Logical{Operator: pubsub.LogicalOr, Children: []pubsub.Node{
					pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
						pubsub.Condition{Field: "country", Operator: pubsub.OpEq, Operand: "DE"},
					}},
					pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
						pubsub.Condition{Field: "country", Operator: pubsub.OpEq, Operand: "AT"},
					}},
				}},
			}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// act
			node, err := pubsub.ParseWhere(tc.where, tc.idField)

			// assert
			require.NoError(t, err)
			assert.Equal(t, tc.expected, node)
		})
	}
}

func Test_ParseWhere_When_IDFieldIsUsed_Then_ItIsRenamedAndNormalized(t *testing.T) {
	// arrange
	oid := mustObjectID(t, hexID)

	// act
	node, err := pubsub.ParseWhere(pubsub.Where{"key": hexID}, "key")

	// assert
	require.NoError(t, err)
	assert.Equal(t, pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
		pubsub.Condition{Field: pubsub.NativeIDField, Operator: pubsub.OpEq, Operand: oid},
	}}, node)
}

func Test_ParseWhere_When_IDFieldIsOpaque_Then_ValueIsKept(t *testing.T) {
	// act
	node, err := pubsub.ParseWhere(pubsub.Where{"id": "settings-main"}, "")

	// assert
	require.NoError(t, err)
	assert.Equal(t, pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
		pubsub.Condition{Field: pubsub.NativeIDField, Operator: pubsub.OpEq, Operand: "settings-main"},
	}}, node)
}

func Test_ParseWhere_When_InqHoldsHexStrings_Then_EveryElementIsNormalized(t *testing.T) {
	// arrange
	oid := mustObjectID(t, hexID)

	// act
	node, err := pubsub.ParseWhere(pubsub.Where{"ref": map[string]any{"inq": []string{hexID, "plain"}}}, "")

	// assert
	require.NoError(t, err)
	assert.Equal(t, pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
		pubsub.Condition{Field: "ref", Operator: pubsub.OpInq, Operand: []any{oid, "plain"}},
	}}, node)
}

func Test_ParseWhere_When_InqOperandIsScalar_Then_ItIsWrapped(t *testing.T) {
	// act
	node, err := pubsub.ParseWhere(pubsub.Where{"status": map[string]any{"nin": "closed"}}, "")

	// assert
	require.NoError(t, err)
	assert.Equal(t, pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
		pubsub.Condition{Field: "status", Operator: pubsub.OpNin, Operand: []any{"closed"}},
	}}, node)
}

func Test_ParseWhere_When_EqOperandIsNil_Then_ItBecomesNullCheck(t *testing.T) {
	// act
	node, err := pubsub.ParseWhere(pubsub.Where{"owner": map[string]any{"eq": nil}}, "")

	// assert
	require.NoError(t, err)
	assert.Equal(t, pubsub.Logical{Operator: pubsub.LogicalAnd, Children: []pubsub.Node{
		pubsub.Condition{Field: "owner", Operator: pubsub.OpIsNull},
	}}, node)
}

func Test_ParseWhere_MalformedClauses(t *testing.T) {
	tests := []struct {
		name  string
		where pubsub.Where
	}{
		{name: "between_with_one_bound", where: pubsub.Where{"age": map[string]any{"between": []any{1}}}},
		{name: "between_with_scalar", where: pubsub.Where{"age": map[string]any{"between": 1}}},
		{name: "and_not_an_array", where: pubsub.Where{"and": map[string]any{"a": 1}}},
		{name: "or_element_not_an_object", where: pubsub.Where{"or": []any{"a"}}},
		{name: "like_with_number", where: pubsub.Where{"name": map[string]any{"like": 42}}},
		{name: "exists_with_string", where: pubsub.Where{"name": map[string]any{"exists": "yes"}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// act
			_, err := pubsub.ParseWhere(tc.where, "")

			// assert
			assert.ErrorIs(t, err, pubsub.ErrInvalidFilter)
			assert.ErrorIs(t, err, pubsub.ErrValidation)
		})
	}
}

func Test_IsEmptyNode(t *testing.T) {
	assert.True(t, pubsub.IsEmptyNode(nil))
	assert.True(t, pubsub.IsEmptyNode(pubsub.Logical{Operator: pubsub.LogicalAnd}))
	assert.False(t, pubsub.IsEmptyNode(pubsub.Logical{Operator: pubsub.LogicalOr}))
	assert.False(t, pubsub.IsEmptyNode(pubsub.Condition{Field: "a"}))
}

func Test_Operator_String(t *testing.T) {
	assert.Equal(t, "like", pubsub.OpLike.String())
	assert.Equal(t, "null", pubsub.OpIsNull.String())
	assert.Equal(t, "passthrough", pubsub.OpPassthrough.String())
	assert.Equal(t, "nor", pubsub.LogicalNor.String())
}
