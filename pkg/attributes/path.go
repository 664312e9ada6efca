package attributes

import "strings"

// Path addresses a node in the attribute tree.
type Path []string

// ParsePath splits a dotted path such as "db.service_type". Empty segments are
// dropped, so "" and "." both yield the root path.
func ParsePath(s string) Path {
	parts := strings.Split(s, ".")
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			p = append(p, part)
		}
	}
	return p
}

// String joins the path back into dotted form.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// IsRoot reports whether p addresses the whole tree.
func (p Path) IsRoot() bool {
	return len(p) == 0
}

// Child returns a new path with key appended.
func (p Path) Child(key string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, key)
}
