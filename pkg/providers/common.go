package providers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/template"
	"github.com/openfroyo/convergo/pkg/transports"
)

// Builtin returns the built-in providers bound to t. Template sources are
// loaded through renderer.
func Builtin(t transports.Transport, renderer *template.Renderer) []engine.Provider {
	return []engine.Provider{
		NewPackageProvider(t),
		NewServiceProvider(t),
		NewFileProvider(t),
		NewDirectoryProvider(t),
		NewTemplateProvider(t, renderer),
		NewExecuteProvider(t),
	}
}

// NewRegistry builds a registry of the built-in providers plus extra ones,
// such as WASM plugins.
func NewRegistry(t transports.Transport, renderer *template.Renderer, extra ...engine.Provider) (*engine.Registry, error) {
	return engine.NewRegistry(append(Builtin(t, renderer), extra...)...)
}

// parseMode reads a permission mode. Strings are octal ("0644", "755");
// integers are taken as the numeric mode (0o644 == 420).
func parseMode(v interface{}) (fs.FileMode, bool, error) {
	switch m := v.(type) {
	case nil:
		return 0, false, nil
	case string:
		if m == "" {
			return 0, false, nil
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(m, "0o"), 8, 32)
		if err != nil {
			return 0, false, fmt.Errorf("invalid mode %q: %w", m, err)
		}
		return fs.FileMode(n).Perm(), true, nil
	case int:
		return fs.FileMode(m).Perm(), true, nil
	case int64:
		return fs.FileMode(m).Perm(), true, nil
	case uint32:
		return fs.FileMode(m).Perm(), true, nil
	case float64:
		return fs.FileMode(int(m)).Perm(), true, nil
	default:
		return 0, false, fmt.Errorf("invalid mode %v (%T)", v, v)
	}
}

func formatMode(m fs.FileMode) string {
	return fmt.Sprintf("%04o", uint32(m.Perm()))
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// pathOf returns the path property, defaulting to the resource name.
func pathOf(res *engine.Resource, p string) string {
	if p != "" {
		return p
	}
	return res.Name
}

// unsupported is returned by Act for actions the provider accepted in its
// action list but cannot run on demand.
func unsupported(res *engine.Resource, action engine.Action) error {
	return fmt.Errorf("%s: action %q cannot be run on demand", res.Identity, action)
}

func hasChange(changes []engine.Change, property string) bool {
	for _, c := range changes {
		if c.Property == property {
			return true
		}
	}
	return false
}
