package runfiles

import (
	"encoding/json"

	"github.com/justapithecus/runsync/types"
)

// DecodeItems decodes JSON-encoded values into a plain mapping.
// Values that are not valid JSON are kept as raw strings.
func DecodeItems(items []types.KeyValue) map[string]any {
	out := make(map[string]any, len(items))
	for _, item := range items {
		out[item.Key] = decodeValue(item.ValueJSON)
	}
	return out
}

// DecodeConfigItems decodes config updates into ConfigValues.
func DecodeConfigItems(items []types.KeyValue) map[string]ConfigValue {
	out := make(map[string]ConfigValue, len(items))
	for _, item := range items {
		out[item.Key] = ConfigValue{Value: decodeValue(item.ValueJSON)}
	}
	return out
}

func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// Flatten lifts nested mappings to the top level with "."-joined keys.
// Non-mapping values are left untouched and empty mappings vanish.
// The input is not modified.
//
//	{"gpu": {"0": {"mem": 1}}, "cpu": 5} -> {"gpu.0.mem": 1, "cpu": 5}
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}
