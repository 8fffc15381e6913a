package message

import (
	"encoding/json"
	"fmt"
)

// cloneJSON deep-copies a value through a JSON round trip.
//
// This works for anything JSON-marshalable, which covers everything a run
// may legally carry in its state map:
//   - primitives, strings, time.Time
//   - structs with exported fields (Message, MediaItem)
//   - maps and slices of the above
//
// Limitations:
//   - unexported struct fields are dropped
//   - channels, funcs and cyclic values fail with an error, never a panic
func cloneJSON[T any](v T) (T, error) {
	var zero T
	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("clone: marshal: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("clone: unmarshal: %w", err)
	}
	return out, nil
}

// fromAny normalizes a state-map entry back to a Message.
//
// Values read from a live run are Message values; values read after a JSON
// round trip (fork, checkpoint restore) are generic maps. Both decode to the
// same Message.
func fromAny(v any) (Message, bool) {
	switch t := v.(type) {
	case Message:
		return t, true
	case *Message:
		if t != nil {
			return *t, true
		}
	case map[string]any:
		data, err := json.Marshal(t)
		if err != nil {
			return Message{}, false
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return Message{}, false
		}
		return m, true
	}
	return Message{}, false
}
