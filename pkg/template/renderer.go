// Package template renders configuration files from an attribute view.
//
// Templates use text/template syntax with a small function set bound to the
// view of the current run:
//
//	attr "db.host"             value at a path; missing fails the render
//	attrOr "db.port" 3306      value at a path or the given default
//	has "volume.rbd_pool"      whether a path is set
//	attrList "api.workers"     value as a list of strings
//	var "name"                 a resource-supplied variable; missing fails
//	varOr "name" "x"           a resource-supplied variable or a default
//	variant "driver" VALUE     renders the sub-template "driver:VALUE"
//
// Variants select exactly one of several mutually exclusive blocks:
//
//	{{define "volume_driver:rbd"}}volume_driver=cinder.volume.drivers.rbd.RBDDriver{{end}}
//	{{define "volume_driver:lvm"}}volume_driver=cinder.volume.drivers.lvm.LVMVolumeDriver{{end}}
//	{{variant "volume_driver" (attr "volume.driver")}}
//
// Rendering is pure: the view is only read.
package template

import (
	"bytes"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"text/template"

	"github.com/openfroyo/convergo/pkg/attributes"
)

// MissingVariableError reports a template reference to an unset attribute or
// variable with no default.
type MissingVariableError struct {
	Template string
	Path     string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %s: variable %q is not set", e.Template, e.Path)
}

// UnknownVariantError reports a discriminant value with no matching variant.
type UnknownVariantError struct {
	Template string
	Set      string
	Value    string
	Known    []string
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("template %s: no %q variant for value %q (known: %s)",
		e.Template, e.Set, e.Value, strings.Join(e.Known, ", "))
}

// Renderer renders templates, optionally loading them by name from a root.
type Renderer struct {
	root fs.FS
}

// NewRenderer creates a renderer that loads named templates from root. A nil
// root limits the renderer to inline sources.
func NewRenderer(root fs.FS) *Renderer {
	return &Renderer{root: root}
}

// RenderFile loads name from the renderer root and renders it.
func (r *Renderer) RenderFile(name string, view *attributes.View, vars map[string]interface{}) (string, error) {
	if r.root == nil {
		return "", fmt.Errorf("template %s: no template root configured", name)
	}
	source, err := fs.ReadFile(r.root, name)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	return Render(name, string(source), view, vars)
}

// Render renders source against view and vars.
func Render(name, source string, view *attributes.View, vars map[string]interface{}) (string, error) {
	if view == nil {
		view = attributes.NewStore().Snapshot()
	}
	st := &renderState{name: name, view: view, vars: vars}

	tmpl := template.New(name).Option("missingkey=error")
	st.tmpl = tmpl
	if _, err := tmpl.Funcs(st.funcs()).Parse(source); err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}

	data := map[string]interface{}{
		"Node": view.Tree(),
		"Vars": vars,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		if st.err != nil {
			return "", st.err
		}
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	return buf.String(), nil
}

// renderState carries the per-render function bindings. err keeps the first
// typed failure so callers get it unwrapped from text/template's chain.
type renderState struct {
	name string
	view *attributes.View
	vars map[string]interface{}
	tmpl *template.Template
	err  error
}

func (s *renderState) fail(err error) error {
	if s.err == nil {
		s.err = err
	}
	return err
}

func (s *renderState) funcs() template.FuncMap {
	return template.FuncMap{
		"attr": func(path string) (interface{}, error) {
			v, ok := s.view.Lookup(attributes.ParsePath(path))
			if !ok || v.IsNull() {
				return nil, s.fail(&MissingVariableError{Template: s.name, Path: path})
			}
			return v.Interface(), nil
		},
		"attrOr": func(path string, def interface{}) interface{} {
			v, ok := s.view.Lookup(attributes.ParsePath(path))
			if !ok || v.IsNull() {
				return def
			}
			return v.Interface()
		},
		"has": func(path string) bool {
			return s.view.Has(attributes.ParsePath(path))
		},
		"attrList": func(path string) ([]string, error) {
			v, ok := s.view.Lookup(attributes.ParsePath(path))
			if !ok || v.IsNull() {
				return nil, s.fail(&MissingVariableError{Template: s.name, Path: path})
			}
			return v.Strings()
		},
		"var": func(name string) (interface{}, error) {
			v, ok := s.vars[name]
			if !ok || v == nil {
				return nil, s.fail(&MissingVariableError{Template: s.name, Path: name})
			}
			return v, nil
		},
		"varOr": func(name string, def interface{}) interface{} {
			if v, ok := s.vars[name]; ok && v != nil {
				return v
			}
			return def
		},
		"variant": s.variant,
		"join": func(sep string, items interface{}) (string, error) {
			v, err := attributes.NewValue(items)
			if err != nil {
				return "", err
			}
			list, err := v.Strings()
			if err != nil {
				return "", err
			}
			return strings.Join(list, sep), nil
		},
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
	}
}

// variant renders the sub-template named "set:value".
func (s *renderState) variant(set string, value interface{}) (string, error) {
	key := fmt.Sprint(value)
	if v, ok := value.(attributes.Value); ok {
		key = v.String()
	}

	sub := s.tmpl.Lookup(set + ":" + key)
	if sub == nil {
		return "", s.fail(&UnknownVariantError{
			Template: s.name, Set: set, Value: key, Known: s.known(set),
		})
	}

	var buf bytes.Buffer
	data := map[string]interface{}{
		"Node": s.view.Tree(),
		"Vars": s.vars,
	}
	if err := sub.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *renderState) known(set string) []string {
	prefix := set + ":"
	var out []string
	for _, t := range s.tmpl.Templates() {
		if strings.HasPrefix(t.Name(), prefix) {
			out = append(out, strings.TrimPrefix(t.Name(), prefix))
		}
	}
	sort.Strings(out)
	return out
}
