package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/convergo/pkg/engine"
)

// Capabilities a plugin may request. Each one unlocks a host function that
// reaches the node through the run's transport.
const (
	CapabilityExec    = "exec"
	CapabilityFSRead  = "fs:read"
	CapabilityFSWrite = "fs:write"
)

var knownCapabilities = map[string]bool{
	CapabilityExec:    true,
	CapabilityFSRead:  true,
	CapabilityFSWrite: true,
}

// Manifest describes a WASM provider plugin.
//
//	name: sysctl
//	version: 0.2.0
//	type: sysctl
//	actions: [set, nothing]
//	entrypoint: sysctl.wasm
//	checksum: 9f86d081884c7d65...
//	capabilities: [exec, fs:read]
type Manifest struct {
	Name         string   `yaml:"name" validate:"required"`
	Version      string   `yaml:"version" validate:"required"`
	Type         string   `yaml:"type" validate:"required"`
	Description  string   `yaml:"description,omitempty"`
	Actions      []string `yaml:"actions" validate:"required,min=1,dive,required"`
	Entrypoint   string   `yaml:"entrypoint" validate:"required"`
	Checksum     string   `yaml:"checksum" validate:"required,hexadecimal,len=64"`
	Capabilities []string `yaml:"capabilities,omitempty"`

	// Path is the manifest file the manifest was loaded from.
	Path string `yaml:"-"`

	// WasmPath is the resolved location of the entrypoint module.
	WasmPath string `yaml:"-"`
}

var validate = validator.New()

// ParseManifest decodes and validates a manifest. Relative entrypoints are
// resolved against baseDir.
func ParseManifest(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	m.Checksum = strings.ToLower(strings.TrimPrefix(m.Checksum, "sha256:"))

	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	for _, c := range m.Capabilities {
		if !knownCapabilities[c] {
			return nil, fmt.Errorf("invalid manifest: unknown capability %q", c)
		}
	}
	if strings.ContainsAny(m.Type, "[]") {
		return nil, fmt.Errorf("invalid manifest: type %q must not contain brackets", m.Type)
	}

	m.WasmPath = m.Entrypoint
	if !filepath.IsAbs(m.WasmPath) {
		m.WasmPath = filepath.Join(baseDir, m.WasmPath)
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ReadModule reads the entrypoint and verifies it against the checksum.
func (m *Manifest) ReadModule() ([]byte, error) {
	wasm, err := os.ReadFile(m.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	if err := m.VerifyChecksum(wasm); err != nil {
		return nil, err
	}
	return wasm, nil
}

// VerifyChecksum compares the sha256 of wasm with the manifest checksum.
func (m *Manifest) VerifyChecksum(wasm []byte) error {
	sum := sha256.Sum256(wasm)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("plugin %s: WASM module checksum mismatch: expected %s, got %s",
			m.Name, m.Checksum, computed)
	}
	return nil
}

// HasCapability reports whether the manifest requests c.
func (m *Manifest) HasCapability(c string) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// EngineActions converts the declared actions.
func (m *Manifest) EngineActions() []engine.Action {
	out := make([]engine.Action, len(m.Actions))
	for i, a := range m.Actions {
		out[i] = engine.Action(a)
	}
	return out
}
