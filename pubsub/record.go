package pubsub

import (
	"strings"
	"time"
)

// Message is the arbitrary payload of a Record.
type Message = map[string]any

// Records is an alias type for a slice of Record.
type Records = []Record

// Record is an append-only document. Once created it is never updated; only bulk removal is possible.
//
// The persisted document has the shape { _id, event, message, ... }. On read the message is
// flattened into the top level (see Flatten).
type Record struct {
	// ID is a primitive.ObjectID for store-generated records. Documents written by other tools may
	// carry an opaque key, which is passed through as-is.
	ID        any
	Event     string
	Message   Message
	Sequence  uint64
	CreatedAt time.Time
}

// ValidateRecordInput checks the invariants every published record must satisfy.
func ValidateRecordInput(event string, message Message) error {
	if strings.TrimSpace(event) == "" {
		return ErrMissingEvent
	}

	if len(message) == 0 {
		return ErrEmptyMessage
	}

	return nil
}

// SplitCreateInput splits the {event, ...fields} input of a create call into event and message.
//
// A lone object-valued "message" field is taken as the message itself, otherwise all fields except
// "event" form the message.
func SplitCreateInput(data map[string]any) (string, Message, error) {
	if data == nil {
		return "", nil, ErrMissingEvent
	}

	event, _ := data[fieldEvent].(string)
	if strings.TrimSpace(event) == "" {
		return "", nil, ErrMissingEvent
	}

	if len(data) == 2 {
		if nested, ok := data[fieldMessage].(map[string]any); ok {
			return event, nested, ValidateRecordInput(event, nested)
		}
	}

	message := make(Message, len(data))
	for k, v := range data {
		if k == fieldEvent {
			continue
		}
		message[k] = v
	}

	return event, message, ValidateRecordInput(event, message)
}

// Flatten returns the read-side view of the record: message fields at top level, then the
// identifier (under idField) and the event discriminator, which win over same-named message fields.
func (r Record) Flatten(idField string) map[string]any {
	if idField == "" {
		idField = DefaultIDField
	}

	flat := make(map[string]any, len(r.Message)+2)
	for k, v := range r.Message {
		flat[k] = v
	}

	flat[idField] = r.ID
	flat[fieldEvent] = r.Event

	return flat
}

const (
	fieldEvent   = "event"
	fieldMessage = "message"
)
