package strategy

import (
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// Params carries loosely typed strategy parameters from config or overrides.
type Params map[string]any

// Decode fills target from the params using JSON field tags.
func (p Params) Decode(target any) error {
	if len(p) == 0 {
		return nil
	}
	raw, err := json.Marshal(map[string]any(p))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// Merge returns a copy of p overlaid with other.
func (p Params) Merge(other Params) Params {
	out := make(Params, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
