package attributes

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Kind discriminates the shapes an attribute value can take.
type Kind int

const (
	// KindNull is an explicitly empty value.
	KindNull Kind = iota
	// KindScalar is a string, bool, integer or float.
	KindScalar
	// KindSequence is an ordered list of values.
	KindSequence
	// KindMapping is a string-keyed map of values.
	KindMapping
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is a normalized attribute value.
//
// The underlying representation is restricted to nil, string, bool, int64,
// float64, []interface{} and map[string]interface{} (recursively), which is
// what NewValue produces from arbitrary Go, YAML or Starlark input.
type Value struct {
	raw interface{}
}

// NewValue normalizes v into an attribute value.
func NewValue(v interface{}) (Value, error) {
	raw, err := normalize(v)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: raw}, nil
}

// MustValue is NewValue for literals known to be valid.
func MustValue(v interface{}) Value {
	val, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Kind reports the shape of the value.
func (v Value) Kind() Kind {
	switch v.raw.(type) {
	case nil:
		return KindNull
	case []interface{}:
		return KindSequence
	case map[string]interface{}:
		return KindMapping
	default:
		return KindScalar
	}
}

// Interface returns the normalized representation. Callers must not mutate it.
func (v Value) Interface() interface{} {
	return v.raw
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.raw == nil
}

// String formats scalars the way templates and command lines expect them.
// Sequences are joined with commas; null renders as the empty string.
func (v Value) String() string {
	return formatScalar(v.raw)
}

// Bool coerces the value to a boolean. Strings "true", "yes", "on" and "1"
// (and their negatives) are accepted.
func (v Value) Bool() (bool, error) {
	switch t := v.raw.(type) {
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0", "":
			return false, nil
		}
	}
	return false, &TypeError{Want: "bool", Got: v}
}

// Int coerces the value to an integer.
func (v Value) Int() (int64, error) {
	switch t := v.raw.(type) {
	case int64:
		return t, nil
	case float64:
		if t == float64(int64(t)) {
			return int64(t), nil
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 0, 64); err == nil {
			return n, nil
		}
	}
	return 0, &TypeError{Want: "int", Got: v}
}

// Strings coerces the value to a list of strings. A scalar becomes a list of
// one element.
func (v Value) Strings() ([]string, error) {
	switch t := v.raw.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if _, isMap := item.(map[string]interface{}); isMap {
				return nil, &TypeError{Want: "[]string", Got: v}
			}
			out = append(out, formatScalar(item))
		}
		return out, nil
	case map[string]interface{}:
		return nil, &TypeError{Want: "[]string", Got: v}
	default:
		return []string{formatScalar(t)}, nil
	}
}

// Map returns the mapping entries as values.
func (v Value) Map() (map[string]Value, error) {
	m, ok := v.raw.(map[string]interface{})
	if !ok {
		return nil, &TypeError{Want: "mapping", Got: v}
	}
	out := make(map[string]Value, len(m))
	for k, item := range m {
		out[k] = Value{raw: item}
	}
	return out, nil
}

// Keys returns the sorted keys of a mapping value, or nil for other kinds.
func (v Value) Keys() []string {
	m, ok := v.raw.(map[string]interface{})
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatScalar(raw interface{}) string {
	switch t := raw.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []interface{}:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = formatScalar(item)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// normalize converts arbitrary input into the restricted representation.
func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, string, bool, int64, float64:
		return t, nil
	case Value:
		return t.raw, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			n, err := normalize(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			n, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = n
		}
		return out, nil
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	}
	return nil, fmt.Errorf("unsupported attribute value type %T", v)
}
