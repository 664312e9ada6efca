package attributes

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("attribute not found")

// NotFoundError reports a path with no value at any level.
type NotFoundError struct {
	Path Path
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("attribute %q not found", e.Path.String())
}

// Is makes errors.Is(err, ErrNotFound) succeed.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// TypeError reports a failed coercion.
type TypeError struct {
	Path Path
	Want string
	Got  Value
}

func (e *TypeError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("attribute %q: cannot use %s value as %s", e.Path.String(), e.Got.Kind(), e.Want)
	}
	return fmt.Sprintf("cannot use %s value %q as %s", e.Got.Kind(), e.Got.String(), e.Want)
}
