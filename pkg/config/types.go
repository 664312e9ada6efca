package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/openfroyo/convergo/pkg/attributes"
	"github.com/openfroyo/convergo/pkg/engine"
)

// RunSettings configures a convergence run.
type RunSettings struct {
	// Name identifies the run definition (e.g., "block-storage").
	Name string `json:"name" validate:"required"`

	// AttributeFiles are YAML or JSON attribute files merged into the store
	// in order.
	AttributeFiles []AttributeFile `json:"attribute_files,omitempty" validate:"dive"`

	// Templates is the directory template resources load their source from.
	Templates string `json:"templates,omitempty"`

	// Recipes are Starlark files that declare further resources. They run
	// after the attributes are loaded and see them as node.
	Recipes []string `json:"recipes,omitempty"`

	// Policies lists Rego files or directories checked before convergence.
	Policies []string `json:"policies,omitempty"`

	// Plugins is a directory of WASM provider plugins.
	Plugins string `json:"plugins,omitempty"`

	// History is the SQLite database recording runs.
	History string `json:"history,omitempty"`

	// ContinueOnError keeps converging after a failed resource.
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// AttributeFile is an attribute file loaded at a precedence level.
type AttributeFile struct {
	// Path is the file path.
	Path string `json:"path" validate:"required"`

	// Level is the precedence level; default when empty.
	Level string `json:"level,omitempty" validate:"omitempty,oneof=default normal override automatic"`
}

// ResourceConfig is a resource declaration as written in CUE or emitted by a
// recipe.
type ResourceConfig struct {
	// Type is the resource type (e.g., "package", "template").
	Type string `json:"type" validate:"required"`

	// Name is the resource name, unique per type.
	Name string `json:"name" validate:"required"`

	// Actions are the desired actions. Empty selects the provider default.
	Actions []string `json:"actions,omitempty"`

	// Properties is the desired state handed to the provider.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// DependsOn lists "type[name]" references that converge first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Notifies lists notifications sent when this resource is updated.
	Notifies []NotificationConfig `json:"notifies,omitempty" validate:"dive"`

	// Subscribes lists resources whose update triggers an action here.
	Subscribes []NotificationConfig `json:"subscribes,omitempty" validate:"dive"`

	// OnlyIf and NotIf are guard expressions over the node attributes.
	OnlyIf string `json:"only_if,omitempty"`
	NotIf  string `json:"not_if,omitempty"`

	// Source records where the declaration came from.
	Source string `json:"-"`
}

// NotificationConfig is one notifies or subscribes entry.
type NotificationConfig struct {
	// Resource is the other end, as "type[name]".
	Resource string `json:"resource" validate:"required"`

	// Action runs on the notified resource; its first action when empty.
	Action string `json:"action,omitempty"`

	// Timing is "immediate" or "delayed" (the default).
	Timing string `json:"timing,omitempty" validate:"omitempty,oneof=immediate immediately delayed deferred"`
}

// ParsedConfig represents the fully parsed run definition.
type ParsedConfig struct {
	// Run holds the run settings.
	Run RunSettings `json:"run"`

	// Attributes are inline attributes keyed by level name.
	Attributes map[string]map[string]interface{} `json:"attributes,omitempty"`

	// Resources are the declarations in source order.
	Resources []ResourceConfig `json:"resources"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "resources[2].properties").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) Error() string {
	loc := e.Path
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// Err returns the parse errors as a single error, or nil.
func (pc *ParsedConfig) Err() error {
	if len(pc.Errors) == 0 {
		return nil
	}
	return &ErrorList{Errors: pc.Errors}
}

// ErrorList is returned when a definition has validation errors.
type ErrorList struct {
	Errors []ValidationError
}

func (e *ErrorList) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", e.Errors[0].Error(), len(e.Errors)-1)
}

// BaseDir returns the directory relative paths in the definition resolve
// against: the directory of the first source file.
func (pc *ParsedConfig) BaseDir() string {
	if len(pc.SourceFiles) == 0 || pc.SourceFiles[0] == "inline" {
		return "."
	}
	return filepath.Dir(pc.SourceFiles[0])
}

// Resolve makes path relative to the definition's directory.
func (pc *ParsedConfig) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(pc.BaseDir(), path)
}

// LoadAttributes merges the inline attributes and the attribute files into
// store.
func (pc *ParsedConfig) LoadAttributes(store *attributes.Store) error {
	for name := range pc.Attributes {
		if _, err := attributes.ParseLevel(name); err != nil {
			return fmt.Errorf("attributes: %w", err)
		}
	}
	for _, lvl := range attributes.Levels {
		tree, ok := pc.Attributes[lvl.String()]
		if !ok {
			continue
		}
		if err := store.Merge(nil, tree, lvl); err != nil {
			return fmt.Errorf("attributes.%s: %w", lvl, err)
		}
	}

	for _, f := range pc.Run.AttributeFiles {
		lvl := attributes.Default
		if f.Level != "" {
			var err error
			if lvl, err = attributes.ParseLevel(f.Level); err != nil {
				return err
			}
		}
		if err := attributes.LoadFile(store, pc.Resolve(f.Path), lvl); err != nil {
			return err
		}
	}
	return nil
}

// Declarations converts the resources into engine declarations.
func (pc *ParsedConfig) Declarations() ([]engine.Declaration, error) {
	decls := make([]engine.Declaration, 0, len(pc.Resources))
	for _, rc := range pc.Resources {
		d, err := rc.Declaration()
		if err != nil {
			return nil, err
		}
		decls = append(decls, d)
	}
	return decls, nil
}

// Identity returns the resource identity.
func (rc ResourceConfig) Identity() engine.Identity {
	return engine.Identity{Type: rc.Type, Name: rc.Name}
}

// Declaration converts the resource into an engine declaration.
func (rc ResourceConfig) Declaration() (engine.Declaration, error) {
	id := rc.Identity()
	d := engine.Declaration{
		Identity:   id,
		Properties: rc.Properties,
		OnlyIf:     rc.OnlyIf,
		NotIf:      rc.NotIf,
	}
	for _, a := range rc.Actions {
		d.Actions = append(d.Actions, engine.Action(a))
	}
	for _, dep := range rc.DependsOn {
		ref, err := engine.ParseIdentity(dep)
		if err != nil {
			return engine.Declaration{}, fmt.Errorf("%s: depends_on: %w", id, err)
		}
		d.DependsOn = append(d.DependsOn, ref)
	}
	for _, n := range rc.Notifies {
		ref, timing, err := n.parse()
		if err != nil {
			return engine.Declaration{}, fmt.Errorf("%s: notifies: %w", id, err)
		}
		note := engine.Notification{Target: ref, Action: engine.Action(n.Action), Timing: timing}
		d.Notifies = append(d.Notifies, note)
	}
	for _, n := range rc.Subscribes {
		ref, timing, err := n.parse()
		if err != nil {
			return engine.Declaration{}, fmt.Errorf("%s: subscribes: %w", id, err)
		}
		note := engine.Notification{Source: ref, Action: engine.Action(n.Action), Timing: timing}
		d.Subscribes = append(d.Subscribes, note)
	}
	return d, nil
}

func (n NotificationConfig) parse() (engine.Identity, engine.Timing, error) {
	ref, err := engine.ParseIdentity(n.Resource)
	if err != nil {
		return engine.Identity{}, "", err
	}
	timing, err := engine.ParseTiming(n.Timing)
	if err != nil {
		return engine.Identity{}, "", err
	}
	return ref, timing, nil
}
