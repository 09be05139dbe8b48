package keys

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MarshalArgs produces the stable JSON encoding of an argument object.
//
// Top-level keys appear in the declared order given by names; names absent
// from args are omitted (undefined), present nils are preserved as null.
// Nested objects are encoded with sorted keys so the output is byte-stable
// for equal inputs. Returns "" when no named argument is present, which
// [FieldKey] renders as a bare field name.
func MarshalArgs(names []string, args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	n := 0
	for _, name := range names {
		v, ok := args[name]
		if !ok {
			continue
		}
		if n > 0 {
			sb.WriteByte(',')
		}
		writeString(&sb, name)
		sb.WriteByte(':')
		writeValue(&sb, v)
		n++
	}
	if n == 0 {
		return ""
	}
	sb.WriteByte('}')
	return sb.String()
}

// MarshalVars produces the stable JSON encoding of a variable subset.
//
// Keys are the mask names present in vars, in sorted order. Used for
// variable keys, where no declared order exists.
func MarshalVars(mask []string, vars map[string]any) string {
	present := make([]string, 0, len(mask))
	for _, name := range mask {
		if _, ok := vars[name]; ok {
			present = append(present, name)
		}
	}
	sort.Strings(present)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range present {
		if i > 0 {
			sb.WriteByte(',')
		}
		writeString(&sb, name)
		sb.WriteByte(':')
		writeValue(&sb, vars[name])
	}
	sb.WriteByte('}')
	return sb.String()
}

// writeValue writes v as deterministic JSON: maps with sorted keys, slices
// in order, scalars via encoding/json.
func writeValue(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeString(sb, k)
			sb.WriteByte(':')
			writeValue(sb, val[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeValue(sb, e)
		}
		sb.WriteByte(']')
	default:
		data, err := json.Marshal(val)
		if err != nil {
			// Argument values come from parsed documents or caller maps of
			// JSON scalars; anything unmarshalable is a programmer error.
			panic(fmt.Sprintf("keys: unmarshalable argument value %T: %v", val, err))
		}
		sb.Write(data)
	}
}

func writeString(sb *strings.Builder, s string) {
	data, _ := json.Marshal(s)
	sb.Write(data)
}
