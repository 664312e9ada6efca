package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/convergo/pkg/attributes"
)

// ResourceTypes lists the resource builtins every recipe can call. Other
// types (plugins) are declared with resource(type, name, ...).
var ResourceTypes = []string{"package", "service", "file", "directory", "template", "execute"}

// Keyword arguments of the resource builtins that are not properties.
var reservedKwargs = map[string]bool{
	"action":     true,
	"actions":    true,
	"depends_on": true,
	"notifies":   true,
	"subscribes": true,
	"only_if":    true,
	"not_if":     true,
}

// RecipeEvaluator runs Starlark recipes that declare resources from the
// node's attributes:
//
//	if node["db"]["service_type"] == "postgresql":
//	    package("python-psycopg2")
//	else:
//	    package("python-mysqldb")
//
//	api = service("cinder-api", actions=["enable", "start"])
//	template("/etc/cinder/api-paste.ini",
//	         source="api-paste.ini.erb",
//	         owner="cinder", group="cinder", mode="0640",
//	         notifies=[notify(api, "restart", "immediate")])
//
// Each resource builtin returns the "type[name]" identity of what it
// declared. Recipes also get attr(path, default), include_recipe(path) and
// resource(type, name, ...) for plugin types.
type RecipeEvaluator struct {
	starlark *StarlarkEvaluator
	parser   *CUEParser
	logger   zerolog.Logger
}

// NewRecipeEvaluator creates a recipe evaluator. Emitted resources are
// validated with parser.
func NewRecipeEvaluator(parser *CUEParser, timeout time.Duration) *RecipeEvaluator {
	return &RecipeEvaluator{
		starlark: NewStarlarkEvaluator(timeout),
		parser:   parser,
		logger:   log.With().Str("component", "recipe").Logger(),
	}
}

// EvalFile runs the recipe at path against view and returns the resources it
// declared, in call order.
func (re *RecipeEvaluator) EvalFile(ctx context.Context, path string, view *attributes.View) ([]ResourceConfig, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	run, err := re.newRun(ctx, filepath.Dir(abs), view)
	if err != nil {
		return nil, err
	}
	run.included[abs] = true
	return run.exec(path, src)
}

// Eval runs recipe source named name. include_recipe resolves against the
// working directory.
func (re *RecipeEvaluator) Eval(ctx context.Context, name, src string, view *attributes.View) ([]ResourceConfig, error) {
	run, err := re.newRun(ctx, ".", view)
	if err != nil {
		return nil, err
	}
	return run.exec(name, src)
}

// recipeRun is the state of one recipe evaluation, shared by the recipes it
// includes.
type recipeRun struct {
	re          *RecipeEvaluator
	ctx         context.Context
	view        *attributes.View
	baseDir     string
	thread      *starlark.Thread
	predeclared starlark.StringDict
	included    map[string]bool
	resources   []ResourceConfig
}

func (re *RecipeEvaluator) newRun(ctx context.Context, baseDir string, view *attributes.View) (*recipeRun, error) {
	if view == nil {
		view = attributes.NewStore().Snapshot()
	}
	run := &recipeRun{
		re:       re,
		ctx:      ctx,
		view:     view,
		baseDir:  baseDir,
		included: make(map[string]bool),
	}

	node, err := toStarlarkValue(view.Tree())
	if err != nil {
		return nil, fmt.Errorf("failed to convert attributes: %w", err)
	}
	node.Freeze()

	run.thread = &starlark.Thread{
		Name: "recipe",
		Print: func(thread *starlark.Thread, msg string) {
			re.logger.Info().Str("at", callerPos(thread)).Msg(msg)
		},
	}

	run.predeclared = starlark.StringDict{
		"node":           node,
		"struct":         starlark.NewBuiltin("struct", starlarkstruct.Make),
		"notify":         starlark.NewBuiltin("notify", builtinNotify),
		"attr":           starlark.NewBuiltin("attr", run.builtinAttr),
		"resource":       starlark.NewBuiltin("resource", run.builtinResource),
		"include_recipe": starlark.NewBuiltin("include_recipe", run.builtinInclude),
	}
	for _, typ := range ResourceTypes {
		run.predeclared[typ] = starlark.NewBuiltin(typ, run.typedBuiltin(typ))
	}
	return run, nil
}

func (r *recipeRun) exec(filename string, src interface{}) ([]ResourceConfig, error) {
	if _, err := r.re.starlark.Exec(r.ctx, r.thread, filename, src, r.predeclared); err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, fmt.Errorf("recipe %s: %s", filename, evalErr.Backtrace())
		}
		return nil, fmt.Errorf("recipe %s: %w", filename, err)
	}
	return r.resources, nil
}

func (r *recipeRun) typedBuiltin(typ string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s: expected 1 positional argument (name), got %d", b.Name(), len(args))
		}
		name, ok := starlark.AsString(args[0])
		if !ok {
			return nil, fmt.Errorf("%s: name must be a string, got %s", b.Name(), args[0].Type())
		}
		return r.declare(thread, typ, name, kwargs)
	}
}

func (r *recipeRun) builtinResource(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s: expected 2 positional arguments (type, name), got %d", b.Name(), len(args))
	}
	typ, ok1 := starlark.AsString(args[0])
	name, ok2 := starlark.AsString(args[1])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: type and name must be strings", b.Name())
	}
	return r.declare(thread, typ, name, kwargs)
}

// declare records one resource and returns its identity string.
func (r *recipeRun) declare(thread *starlark.Thread, typ, name string, kwargs []starlark.Tuple) (starlark.Value, error) {
	rc := ResourceConfig{
		Type:       typ,
		Name:       name,
		Properties: make(map[string]interface{}),
		Source:     callerPos(thread),
	}
	id := rc.Identity().String()

	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		val := kv[1]
		var err error
		switch key {
		case "action", "actions":
			rc.Actions, err = stringList(val)
		case "depends_on":
			rc.DependsOn, err = referenceList(val)
		case "notifies":
			rc.Notifies, err = notificationList(val)
		case "subscribes":
			rc.Subscribes, err = notificationList(val)
		case "only_if":
			rc.OnlyIf, err = guardString(val)
		case "not_if":
			rc.NotIf, err = guardString(val)
		default:
			var prop interface{}
			prop, err = fromStarlarkValue(val)
			rc.Properties[key] = prop
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", id, key, err)
		}
	}

	if err := r.re.parser.ValidateResource(r.ctx, rc); err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	r.resources = append(r.resources, rc)
	return starlark.String(id), nil
}

// attr(path, default=None) reads an attribute by dotted path.
func (r *recipeRun) builtinAttr(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "default?", &def); err != nil {
		return nil, err
	}
	v, ok := r.view.Lookup(attributes.ParsePath(path))
	if !ok || v.IsNull() {
		return def, nil
	}
	out, err := toStarlarkValue(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", b.Name(), path, err)
	}
	out.Freeze()
	return out, nil
}

// include_recipe(path) runs another recipe once per evaluation.
func (r *recipeRun) builtinInclude(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.baseDir, path)
	}
	if r.included[path] {
		return starlark.None, nil
	}
	r.included[path] = true

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if _, err := starlark.ExecFile(thread, path, src, r.predeclared); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// notify(resource, action=None, timing="delayed") builds a notification for
// the notifies and subscribes arguments.
func builtinNotify(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var resource, action, timing string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "resource", &resource, "action?", &action, "timing?", &timing); err != nil {
		return nil, err
	}
	return starlarkstruct.FromStringDict(starlark.String("notification"), starlark.StringDict{
		"resource": starlark.String(resource),
		"action":   starlark.String(action),
		"timing":   starlark.String(timing),
	}), nil
}

func callerPos(thread *starlark.Thread) string {
	if thread.CallStackDepth() < 2 {
		return ""
	}
	return thread.CallFrame(1).Pos.String()
}

// stringList accepts a string or a list/tuple of strings.
func stringList(v starlark.Value) ([]string, error) {
	if s, ok := starlark.AsString(v); ok {
		return []string{s}, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok || v.Type() == "dict" {
		return nil, fmt.Errorf("expected string or list of strings, got %s", v.Type())
	}
	var out []string
	iter := iterable.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		s, ok := starlark.AsString(item)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", item.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

func referenceList(v starlark.Value) ([]string, error) {
	return stringList(v)
}

// notificationList accepts a notify() struct, a "type[name]" string, or a
// list of either.
func notificationList(v starlark.Value) ([]NotificationConfig, error) {
	if n, ok, err := notification(v); ok || err != nil {
		if err != nil {
			return nil, err
		}
		return []NotificationConfig{n}, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok || v.Type() == "dict" {
		return nil, fmt.Errorf("expected notify(...) or a list of them, got %s", v.Type())
	}
	var out []NotificationConfig
	iter := iterable.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		n, ok, err := notification(item)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("expected notify(...), got %s", item.Type())
		}
		out = append(out, n)
	}
	return out, nil
}

func notification(v starlark.Value) (NotificationConfig, bool, error) {
	if s, ok := starlark.AsString(v); ok {
		return NotificationConfig{Resource: s}, true, nil
	}
	st, ok := v.(*starlarkstruct.Struct)
	if !ok {
		return NotificationConfig{}, false, nil
	}
	fields := map[string]string{}
	for _, name := range st.AttrNames() {
		attr, _ := st.Attr(name)
		s, ok := starlark.AsString(attr)
		if !ok {
			return NotificationConfig{}, true, fmt.Errorf("notification %s must be a string", name)
		}
		fields[name] = s
	}
	if fields["resource"] == "" {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return NotificationConfig{}, true, fmt.Errorf("notification without resource (fields: %v)", keys)
	}
	return NotificationConfig{Resource: fields["resource"], Action: fields["action"], Timing: fields["timing"]}, true, nil
}

func guardString(v starlark.Value) (string, error) {
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("guard must be an expression string, got %s", v.Type())
	}
	return s, nil
}
