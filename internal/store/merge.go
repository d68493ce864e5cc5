package store

import (
	"encoding/json"
	"fmt"
)

// MergePatch applies patch to current with field-level overwrite at one
// level of nesting: top-level fields present in the patch replace the
// current value wholesale (arrays and nested objects included), and a null
// field removes the key. This is the documented policy for OpUpdate
// payloads; deep merging is deliberately not attempted.
func MergePatch(current, patch json.RawMessage) (json.RawMessage, error) {
	var target map[string]json.RawMessage
	if len(current) > 0 {
		if err := json.Unmarshal(current, &target); err != nil {
			return nil, fmt.Errorf("merge: current document is not an object: %w", err)
		}
	}
	if target == nil {
		target = map[string]json.RawMessage{}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("merge: patch is not an object: %w", err)
	}

	for key, value := range fields {
		if string(value) == "null" {
			delete(target, key)
			continue
		}
		target[key] = value
	}

	merged, err := json.Marshal(target)
	if err != nil {
		return nil, err
	}
	return merged, nil
}
