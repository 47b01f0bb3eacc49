package pubsub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

func Test_NormalizeID(t *testing.T) {
	oid := mustObjectID(t, hexID)

	tests := []struct {
		name     string
		input    any
		expected any
	}{
		{name: "hex_string_becomes_object_id", input: hexID, expected: oid},
		{name: "upper_case_hex_string_becomes_object_id", input: "5F1E6B2A9D3C4E0012345678", expected: oid},
		{name: "object_id_passes_through", input: oid, expected: oid},
		{name: "opaque_key_passes_through", input: "settings-main", expected: "settings-main"},
		{name: "too_short_hex_passes_through", input: "5f1e6b2a", expected: "5f1e6b2a"},
		{name: "non_hex_24_chars_passes_through", input: "zzzzzzzzzzzzzzzzzzzzzzzz", expected: "zzzzzzzzzzzzzzzzzzzzzzzz"},
		{name: "number_passes_through", input: 42, expected: 42},
		{name: "nil_passes_through", input: nil, expected: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, pubsub.NormalizeID(tc.input))
		})
	}
}

func Test_IDString(t *testing.T) {
	oid := mustObjectID(t, hexID)

	assert.Equal(t, hexID, pubsub.IDString(oid))
	assert.Equal(t, hexID, pubsub.IDString(&oid))
	assert.Equal(t, "", pubsub.IDString((*primitive.ObjectID)(nil)))
	assert.Equal(t, "settings-main", pubsub.IDString("settings-main"))
	assert.Equal(t, "42", pubsub.IDString(42))
}

func Test_IsNativeID(t *testing.T) {
	assert.True(t, pubsub.IsNativeID(primitive.NewObjectID()))
	assert.False(t, pubsub.IsNativeID(hexID))
}
