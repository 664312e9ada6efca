package attributes

import (
	"fmt"
	"sync"

	"github.com/mohae/deepcopy"
)

// Store holds attribute trees for every precedence level.
type Store struct {
	mu     sync.RWMutex
	levels [levelCount]map[string]interface{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.levels {
		s.levels[i] = make(map[string]interface{})
	}
	return s
}

// Set stores value at path on the given level. Setting the root path requires
// a mapping and replaces the entire level.
func (s *Store) Set(path Path, value interface{}, level Level) error {
	if !level.Valid() {
		return fmt.Errorf("invalid attribute level %d", int(level))
	}
	raw, err := normalize(value)
	if err != nil {
		return fmt.Errorf("attribute %q: %w", path.String(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if path.IsRoot() {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return &TypeError{Path: path, Want: "mapping", Got: Value{raw: raw}}
		}
		s.levels[level] = m
		return nil
	}
	assign(s.levels[level], path, raw)
	return nil
}

// Merge deep merges partial into the mapping at path on the given level.
// Sibling keys already present at that level are kept.
func (s *Store) Merge(path Path, partial map[string]interface{}, level Level) error {
	if !level.Valid() {
		return fmt.Errorf("invalid attribute level %d", int(level))
	}
	raw, err := normalize(partial)
	if err != nil {
		return fmt.Errorf("attribute %q: %w", path.String(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if path.IsRoot() {
		s.levels[level] = deepMerge(s.levels[level], raw).(map[string]interface{})
		return nil
	}
	existing, _ := lookup(s.levels[level], path)
	assign(s.levels[level], path, deepMerge(existing, raw))
	return nil
}

// Get returns the effective value at path.
func (s *Store) Get(path Path) (Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := effective(&s.levels, path)
	if !ok {
		return Value{}, &NotFoundError{Path: path}
	}
	return Value{raw: raw}, nil
}

// GetAt returns the value stored at exactly one level, ignoring the others.
func (s *Store) GetAt(path Path, level Level) (Value, error) {
	if !level.Valid() {
		return Value{}, fmt.Errorf("invalid attribute level %d", int(level))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := lookup(s.levels[level], path)
	if !ok {
		return Value{}, &NotFoundError{Path: path}
	}
	return Value{raw: deepcopy.Copy(raw)}, nil
}

// Snapshot returns an immutable view of the current attributes. Later writes
// to the store are not visible through the view.
func (s *Store) Snapshot() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := &View{}
	for i := range s.levels {
		v.levels[i] = deepcopy.Copy(s.levels[i]).(map[string]interface{})
	}
	merged, _ := effective(&v.levels, nil)
	v.merged, _ = merged.(map[string]interface{})
	if v.merged == nil {
		v.merged = make(map[string]interface{})
	}
	return v
}
