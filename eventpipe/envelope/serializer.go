package envelope

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrNilEvent is returned when a nil event is serialized.
var ErrNilEvent = errors.New("event is nil")

// Serialize encodes an event body. Field names come from the event's json
// tags, so embedding Metadata yields lower-camel identifying keys.
func Serialize(event any) ([]byte, error) {
	if event == nil {
		return nil, ErrNilEvent
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}

	return data, nil
}

// Deserialize decodes an event body produced by Serialize into T.
func Deserialize[T any](data []byte) (T, error) {
	var out T

	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("deserialize %T: %w", out, err)
	}

	return out, nil
}
