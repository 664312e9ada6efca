package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Names of the built-in structural schemas. Property schemas are registered
// under their resource type.
const (
	SchemaResource = "resource"
	SchemaRun      = "run"
)

// SchemaRegistry manages CUE schemas for validation. A schema source defines
// exactly one CUE definition (e.g. #File); values are checked against it,
// and since definitions are closed, unknown fields are rejected.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, src := range map[string]string{
		SchemaResource: builtinResourceSchema,
		SchemaRun:      builtinRunSchema,
		"package":      builtinPackageSchema,
		"service":      builtinServiceSchema,
		"file":         builtinFileSchema,
		"directory":    builtinDirectorySchema,
		"template":     builtinTemplateSchema,
		"execute":      builtinExecuteSchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema registers a CUE schema with the given name. The source must
// define exactly one definition.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}
	var def cue.Value
	count := 0
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			def = iter.Value()
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("schema %s must define exactly one definition, found %d", name, count)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// validateValue validates an already compiled value. The value must come
// from a context compatible with the registry's, which holds for values
// produced by the CUE runtime in this process.
func (sr *SchemaRegistry) validateValue(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	var data interface{}
	if err := val.Decode(&data); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	unified := schema.Unify(sr.ctx.Encode(data))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinResourceSchema = `
#Notification: {
	resource: string & =~"^[a-z0-9_.-]+\\[.+\\]$"
	action?:  string
	timing?:  "immediate" | "immediately" | "delayed" | "deferred"
}

// A resource declaration. type and name are implied by the keys in the
// keyed form (resources: package: "cinder-common": {...}).
#Resource: {
	type?:       string & =~"^[a-z0-9_.-]+$"
	name?:       string & !=""
	actions?:    [...string]
	properties?: {...}
	depends_on?: [...string & =~"^[a-z0-9_.-]+\\[.+\\]$"]
	notifies?:   [...#Notification]
	subscribes?: [...#Notification]
	only_if?:    string
	not_if?:     string
}
`

const builtinRunSchema = `
#Run: {
	name: string & !=""
	attribute_files?: [...{
		path:   string
		level?: "default" | "normal" | "override" | "automatic"
	}]
	templates?:         string
	recipes?:           [...string]
	policies?:          [...string]
	plugins?:           string
	history?:           string
	continue_on_error?: bool
}
`

const builtinPackageSchema = `
#Package: {
	package_name?: string
	version?:      string
	manager?:      "apt" | "dnf" | "yum" | "zypper"
	options?:      [...string]
}
`

const builtinServiceSchema = `
#Service: {
	service_name?:    string
	supports_reload?: bool
}
`

const builtinFileSchema = `
#File: {
	path?:    string & =~"^/"
	content?: string
	owner?:   string
	group?:   string
	mode?:    (string & =~"^0?[0-7]{3,4}$") | (number & >=0 & <=4095)
}
`

const builtinDirectorySchema = `
#Directory: {
	path?:      string & =~"^/"
	owner?:     string
	group?:     string
	mode?:      (string & =~"^0?[0-7]{3,4}$") | (number & >=0 & <=4095)
	recursive?: bool
}
`

const builtinTemplateSchema = `
#Template: {
	path?:      string & =~"^/"
	source?:    string
	inline?:    string
	variables?: {...}
	owner?:     string
	group?:     string
	mode?:      (string & =~"^0?[0-7]{3,4}$") | (number & >=0 & <=4095)
}
`

const builtinExecuteSchema = `
#Execute: {
	command?:     string
	shell?:       bool
	creates?:     string
	cwd?:         string
	environment?: {[string]: string}
	returns?:     [...number]
}
`
