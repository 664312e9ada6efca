package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/convergo/pkg/engine"
)

// CUEParser parses and validates run definitions written in CUE.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// Parse parses CUE configuration from the given sources. Each source is a
// file or a directory holding a CUE package; all sources are unified.
// Validation problems are reported in ParsedConfig.Errors, not as an error.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	unify := func(val cue.Value) {
		if !val.Exists() {
			return
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := cp.loadFile(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractConfig(ctx, cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractConfig(ctx, val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractConfig extracts the run definition from a CUE value.
func (cp *CUEParser) extractConfig(ctx context.Context, val cue.Value, sourceFiles []string) *ParsedConfig {
	parsedConfig := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}
	addErr := func(path string, err error) {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			Path:     path,
			Message:  err.Error(),
			Severity: "error",
		})
	}

	runVal := val.LookupPath(cue.ParsePath("run"))
	if runVal.Exists() {
		var run RunSettings
		if err := runVal.Decode(&run); err != nil {
			addErr("run", fmt.Errorf("failed to decode run: %w", err))
		} else if err := cp.validator.Struct(run); err != nil {
			addErr("run", fmt.Errorf("validation failed: %w", err))
		} else {
			parsedConfig.Run = run
		}
	} else {
		addErr("run", fmt.Errorf("run settings are required"))
	}

	attrVal := val.LookupPath(cue.ParsePath("attributes"))
	if attrVal.Exists() {
		var attrs map[string]map[string]interface{}
		if err := attrVal.Decode(&attrs); err != nil {
			addErr("attributes", fmt.Errorf("failed to decode attributes: %w", err))
		} else {
			parsedConfig.Attributes = attrs
		}
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if !resourcesVal.Exists() {
		return parsedConfig
	}

	switch resourcesVal.Kind() {
	case cue.StructKind:
		// resources: <type>: <name>: {...}
		types, err := resourcesVal.Fields()
		if err != nil {
			addErr("resources", fmt.Errorf("failed to iterate resources: %w", err))
			break
		}
		for types.Next() {
			typ := types.Selector().Unquoted()
			names, err := types.Value().Fields()
			if err != nil {
				addErr("resources."+typ, fmt.Errorf("failed to iterate resources: %w", err))
				continue
			}
			for names.Next() {
				name := names.Selector().Unquoted()
				path := fmt.Sprintf("resources.%s[%s]", typ, name)
				resource, err := cp.extractResource(ctx, typ, name, names.Value())
				if err != nil {
					addErr(path, err)
					continue
				}
				parsedConfig.Resources = append(parsedConfig.Resources, resource)
			}
		}
	case cue.ListKind:
		list, err := resourcesVal.List()
		if err != nil {
			addErr("resources", fmt.Errorf("failed to list resources: %w", err))
			break
		}
		for idx := 0; list.Next(); idx++ {
			resource, err := cp.extractResource(ctx, "", "", list.Value())
			if err != nil {
				addErr(fmt.Sprintf("resources[%d]", idx), err)
				continue
			}
			parsedConfig.Resources = append(parsedConfig.Resources, resource)
		}
	default:
		addErr("resources", fmt.Errorf("resources must be a list or a struct keyed by type and name"))
	}

	return parsedConfig
}

// extractResource decodes one resource. typ and name come from the struct
// keys in the keyed form and are empty in the list form.
func (cp *CUEParser) extractResource(ctx context.Context, typ, name string, val cue.Value) (ResourceConfig, error) {
	var resource ResourceConfig

	if err := cp.schemaRegistry.validateValue(SchemaResource, val); err != nil {
		return resource, err
	}
	if err := val.Decode(&resource); err != nil {
		return resource, fmt.Errorf("failed to decode resource: %w", err)
	}
	if typ != "" {
		resource.Type, resource.Name = typ, name
	}
	if pos := val.Pos(); pos.IsValid() {
		resource.Source = pos.String()
	}

	return resource, cp.ValidateResource(ctx, resource)
}

// ValidateResource checks a resource with its struct tags and, when a schema
// is registered for its type, validates the properties against it. Recipes
// use this for the resources they emit.
func (cp *CUEParser) ValidateResource(ctx context.Context, resource ResourceConfig) error {
	if err := cp.validator.Struct(resource); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if _, err := resource.Declaration(); err != nil {
		return err
	}
	if _, ok := cp.schemaRegistry.GetSchema(resource.Type); ok {
		props := resource.Properties
		if props == nil {
			props = map[string]interface{}{}
		}
		if err := cp.schemaRegistry.ValidateAgainstSchema(ctx, resource.Type, props); err != nil {
			return fmt.Errorf("%s: properties: %w", resource.Identity(), err)
		}
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: "error",
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON renders the declarations of a parsed definition as JSON, the
// form the policy gate and `convergo validate --json` consume.
func ExportJSON(decls []engine.Declaration) ([]byte, error) {
	return json.MarshalIndent(decls, "", "  ")
}

// FindDefinition locates the run definition in dir: a single .cue file, or
// the directory itself when it holds several.
func FindDefinition(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no CUE files found in %s", dir)
	case 1:
		return matches[0], nil
	default:
		return dir, nil
	}
}
