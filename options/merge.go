package options

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Merge overlays patch onto base as an RFC 7386 merge patch: nested maps
// merge recursively, a nil value removes the key, anything else replaces.
// Neither argument is modified. Numbers come back as float64.
func Merge(base, patch map[string]any) (map[string]any, error) {
	doc, err := json.Marshal(normalize(base))
	if err != nil {
		return nil, fmt.Errorf("merge base: %w", err)
	}
	if base == nil {
		doc = []byte("{}")
	}
	p, err := json.Marshal(normalize(patch))
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}
	if patch == nil {
		p = []byte("{}")
	}
	merged, err := jsonpatch.MergePatch(doc, p)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("merge result: %w", err)
	}
	return out, nil
}

// normalize rewrites map[any]any subtrees from YAML decoders into
// map[string]any so they survive encoding/json. It always copies.
func normalize(v any) any {
	switch m := v.(type) {
	case map[string]any:
		if m == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(m))
		for i, val := range m {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}
