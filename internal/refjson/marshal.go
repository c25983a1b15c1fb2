package refjson

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// marshalSortedIndent renders a map[string]json.RawMessage with
// two-space indentation. Both encoding/json and goccy/go-json marshal
// Go maps with lexicographically sorted keys, which is what makes the
// output byte-for-byte deterministic.
func marshalSortedIndent(fields map[string]json.RawMessage) ([]byte, error) {
	out, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal ref json: %w", err)
	}
	return out, nil
}
