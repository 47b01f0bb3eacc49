package pubsub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

func Test_ValidateRecordInput(t *testing.T) {
	assert.NoError(t, pubsub.ValidateRecordInput("login", pubsub.Message{"user": "ann"}))
	assert.ErrorIs(t, pubsub.ValidateRecordInput("", pubsub.Message{"user": "ann"}), pubsub.ErrMissingEvent)
	assert.ErrorIs(t, pubsub.ValidateRecordInput("  ", pubsub.Message{"user": "ann"}), pubsub.ErrValidation)
	assert.ErrorIs(t, pubsub.ValidateRecordInput("login", nil), pubsub.ErrEmptyMessage)
	assert.ErrorIs(t, pubsub.ValidateRecordInput("login", pubsub.Message{}), pubsub.ErrValidation)
}

func Test_SplitCreateInput_When_FieldsAreFlat_Then_AllButEventFormTheMessage(t *testing.T) {
	// act
	event, message, err := pubsub.SplitCreateInput(map[string]any{"event": "login", "user": "ann", "ip": "10.0.0.1"})

	// assert
	require.NoError(t, err)
	assert.Equal(t, "login", event)
	assert.Equal(t, pubsub.Message{"user": "ann", "ip": "10.0.0.1"}, message)
}

func Test_SplitCreateInput_When_LoneMessageObject_Then_ItIsUsedAsIs(t *testing.T) {
	// act
	event, message, err := pubsub.SplitCreateInput(map[string]any{
		"event":   "login",
		"message": map[string]any{"user": "ann"},
	})

	// assert
	require.NoError(t, err)
	assert.Equal(t, "login", event)
	assert.Equal(t, pubsub.Message{"user": "ann"}, message)
}

func Test_SplitCreateInput_When_EventIsMissing_Then_ItFails(t *testing.T) {
	_, _, err := pubsub.SplitCreateInput(map[string]any{"user": "ann"})
	assert.ErrorIs(t, err, pubsub.ErrMissingEvent)

	_, _, err = pubsub.SplitCreateInput(nil)
	assert.ErrorIs(t, err, pubsub.ErrMissingEvent)
}

func Test_SplitCreateInput_When_OnlyEventIsGiven_Then_MessageIsEmpty(t *testing.T) {
	_, _, err := pubsub.SplitCreateInput(map[string]any{"event": "login"})
	assert.ErrorIs(t, err, pubsub.ErrEmptyMessage)
}

func Test_Record_Flatten(t *testing.T) {
	// arrange
	oid := mustObjectID(t, hexID)
	record := pubsub.Record{
		ID:      oid,
		Event:   "login",
		Message: pubsub.Message{"user": "ann", "event": "shadowed", "key": "shadowed"},
	}

	// act
	flat := record.Flatten("key")

	// assert
	assert.Equal(t, map[string]any{"user": "ann", "event": "login", "key": oid}, flat)
	assert.Equal(t, oid, record.Flatten("")["id"])
}
