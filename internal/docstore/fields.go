package docstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

// toObject normalizes v into a JSON object map.
func toObject(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// mergeFields applies dotted-key updates onto doc in place.
func mergeFields(doc map[string]any, fields map[string]any) error {
	for k, v := range fields {
		norm, err := toValue(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		parts := strings.Split(k, ".")
		cur := doc
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = norm
	}
	return nil
}

// toValue round-trips v through JSON so typed values compare like stored ones.
func toValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func lookup(doc map[string]any, field string) (any, bool) {
	var cur any = doc
	for _, p := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func matches(doc map[string]any, where []Where) (bool, error) {
	for _, w := range where {
		got, ok := lookup(doc, w.Field)
		if !ok {
			return false, nil
		}
		want, err := toValue(w.Value)
		if err != nil {
			return false, err
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false, nil
		}
	}
	return true, nil
}
