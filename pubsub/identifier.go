package pubsub

import (
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NativeIDField is the storage-level name of the record identifier.
const NativeIDField = "_id"

// DefaultIDField is the caller-facing identifier field name used when a topic does not configure one.
const DefaultIDField = "id"

var objectIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// NormalizeID converts v into a primitive.ObjectID when v is a 24-character hex string.
// Every other value, including values that already are an ObjectID, is returned unchanged.
// Callers may pass arbitrary opaque keys (e.g. human-readable names), so no other coercion happens.
func NormalizeID(v any) any {
	s, ok := v.(string)
	if !ok || !objectIDPattern.MatchString(s) {
		return v
	}

	oid, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return v
	}

	return oid
}

// IDString renders an identifier the way it is persisted.
func IDString(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case *primitive.ObjectID:
		if id == nil {
			return ""
		}
		return id.Hex()
	case string:
		return id
	case fmt.Stringer:
		return id.String()
	default:
		return fmt.Sprint(v)
	}
}

// IsNativeID reports whether v is a store-generated identifier.
func IsNativeID(v any) bool {
	_, ok := v.(primitive.ObjectID)
	return ok
}
