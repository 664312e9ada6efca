package attributes

import (
	"fmt"
	"strings"
)

// Level is an attribute precedence level. Higher levels shadow lower ones.
type Level int

const (
	// Default holds values shipped with recipes.
	Default Level = iota
	// Normal holds values persisted for a node between runs.
	Normal
	// Override holds values supplied for a single run (roles, environments, CLI).
	Override
	// Automatic holds values discovered from the host itself.
	Automatic
)

// levelCount is the number of precedence levels.
const levelCount = int(Automatic) + 1

// Levels lists every level from lowest to highest precedence.
var Levels = []Level{Default, Normal, Override, Automatic}

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case Default:
		return "default"
	case Normal:
		return "normal"
	case Override:
		return "override"
	case Automatic:
		return "automatic"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	return l >= Default && l <= Automatic
}

// ParseLevel parses a level name as produced by Level.String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "default":
		return Default, nil
	case "normal":
		return Normal, nil
	case "override":
		return Override, nil
	case "automatic":
		return Automatic, nil
	default:
		return Default, fmt.Errorf("unknown attribute level %q", s)
	}
}
