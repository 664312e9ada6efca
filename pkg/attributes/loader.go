package attributes

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile merges a YAML (or JSON) attribute file into the store at level.
// The document root must be a mapping.
func LoadFile(s *Store, filename string, level Level) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read attribute file: %w", err)
	}
	if err := LoadBytes(s, data, level); err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	return nil
}

// LoadBytes merges a YAML (or JSON) document into the store at level.
func LoadBytes(s *Store, data []byte, level Level) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse attributes: %w", err)
	}
	if doc == nil {
		return nil
	}
	return s.Merge(nil, doc, level)
}

// ParseAssignment parses a "path=value" command line override. The value is
// decoded as a YAML scalar, so "port=8776" yields an integer and
// "debug=true" a boolean.
func ParseAssignment(s string) (Path, interface{}, error) {
	key, raw, ok := strings.Cut(s, "=")
	if !ok {
		return nil, nil, fmt.Errorf("invalid attribute assignment %q: expected path=value", s)
	}
	path := ParsePath(key)
	if path.IsRoot() {
		return nil, nil, fmt.Errorf("invalid attribute assignment %q: empty path", s)
	}

	var value interface{}
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	return path, value, nil
}
