package main

import (
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// printRecord writes the flattened record as one JSON line.
func printRecord(w io.Writer, record pubsub.Record, idField string) error {
	data, err := json.Marshal(record.Flatten(idField))
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	_, err = fmt.Fprintln(w, string(data))

	return err
}

// parseWhere decodes a JSON where-clause. Empty input means no constraint.
func parseWhere(raw string) (pubsub.Where, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var where pubsub.Where
	if err := json.Unmarshal([]byte(raw), &where); err != nil {
		return nil, fmt.Errorf("parsing --where: %w", err)
	}

	return where, nil
}

// parseFields turns key=value pairs into a message. Values that are valid JSON keep their type,
// everything else is a string.
func parseFields(pairs []string) (pubsub.Message, error) {
	message := make(pubsub.Message, len(pairs))

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", pair)
		}

		var decoded any
		if err := json.UnmarshalFromString(value, &decoded); err != nil {
			decoded = value
		}
		message[key] = decoded
	}

	return message, nil
}
