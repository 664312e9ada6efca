package attributes

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/mohae/deepcopy"
)

// View is an immutable attribute snapshot owned by a single run.
type View struct {
	levels [levelCount]map[string]interface{}
	merged map[string]interface{}
}

// Provenance records the value one level holds for a path.
type Provenance struct {
	Level Level `json:"level"`
	Value Value `json:"-"`
}

// Get returns the effective value at path.
func (v *View) Get(path Path) (Value, error) {
	raw, ok := lookup(v.merged, path)
	if !ok {
		return Value{}, &NotFoundError{Path: path}
	}
	return Value{raw: raw}, nil
}

// Lookup is Get without the error.
func (v *View) Lookup(path Path) (Value, bool) {
	raw, ok := lookup(v.merged, path)
	return Value{raw: raw}, ok
}

// Has reports whether any level holds a value at path.
func (v *View) Has(path Path) bool {
	_, ok := lookup(v.merged, path)
	return ok
}

// GetString returns the effective value at path formatted as a string, or def
// when the path is unset.
func (v *View) GetString(path Path, def string) string {
	val, ok := v.Lookup(path)
	if !ok || val.IsNull() {
		return def
	}
	return val.String()
}

// Explain lists the value every populated level holds for path, highest
// precedence first. The first entry is the one Get resolves to for scalars.
func (v *View) Explain(path Path) []Provenance {
	var chain []Provenance
	for i := levelCount - 1; i >= 0; i-- {
		raw, ok := lookup(v.levels[i], path)
		if !ok {
			continue
		}
		chain = append(chain, Provenance{Level: Level(i), Value: Value{raw: raw}})
	}
	return chain
}

// Decode maps the effective value at path onto out using mapstructure. Input
// keys match struct fields by their `mapstructure` tag, falling back to a
// case-insensitive field name match. Weak typing is enabled so "0700" decodes
// into a string and "true" into a bool.
func (v *View) Decode(path Path, out interface{}) error {
	raw, ok := lookup(v.merged, path)
	if !ok {
		return &NotFoundError{Path: path}
	}
	if err := DecodeInto(raw, out); err != nil {
		return fmt.Errorf("decoding attribute %q: %w", path.String(), err)
	}
	return nil
}

// Tree returns a deep copy of the merged attribute tree.
func (v *View) Tree() map[string]interface{} {
	return deepcopy.Copy(v.merged).(map[string]interface{})
}

// LevelTree returns a deep copy of a single level.
func (v *View) LevelTree(level Level) map[string]interface{} {
	if !level.Valid() {
		return nil
	}
	return deepcopy.Copy(v.levels[level]).(map[string]interface{})
}

// DecodeInto decodes a loosely typed input (attributes or resource
// properties) into a tagged struct.
func DecodeInto(input interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
