package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// guard holds a resource's compiled only_if / not_if expressions.
//
// Expressions see two variables: node (the merged attribute tree) and
// resource (type, name and properties of the guarded resource):
//
//	node.db.service_type == "postgresql"
//	resource.properties.mode != "0777"
type guard struct {
	onlyIf *vm.Program
	notIf  *vm.Program
	source [2]string
}

func guardEnv() map[string]interface{} {
	return map[string]interface{}{
		"node":     map[string]interface{}{},
		"resource": map[string]interface{}{},
	}
}

// compileGuard compiles the guards of a declaration. It returns nil when the
// declaration has none.
func compileGuard(decl *Declaration) (*guard, error) {
	if decl.OnlyIf == "" && decl.NotIf == "" {
		return nil, nil
	}
	g := &guard{source: [2]string{decl.OnlyIf, decl.NotIf}}
	var err error
	if decl.OnlyIf != "" {
		if g.onlyIf, err = expr.Compile(decl.OnlyIf, expr.Env(guardEnv()), expr.AsBool()); err != nil {
			return nil, fmt.Errorf("only_if: %w", err)
		}
	}
	if decl.NotIf != "" {
		if g.notIf, err = expr.Compile(decl.NotIf, expr.Env(guardEnv()), expr.AsBool()); err != nil {
			return nil, fmt.Errorf("not_if: %w", err)
		}
	}
	return g, nil
}

// allows reports whether the resource should be converged. A false result
// carries the reason the resource was guarded out.
func (g *guard) allows(res *Resource) (bool, string, error) {
	if g == nil {
		return true, "", nil
	}

	var tree map[string]interface{}
	if res.View != nil {
		tree = res.View.Tree()
	} else {
		tree = map[string]interface{}{}
	}
	env := map[string]interface{}{
		"node": tree,
		"resource": map[string]interface{}{
			"type":       res.Type,
			"name":       res.Name,
			"properties": res.Properties,
		},
	}

	if g.onlyIf != nil {
		ok, err := runGuard(g.onlyIf, g.source[0], env)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, fmt.Sprintf("only_if %q is false", g.source[0]), nil
		}
	}
	if g.notIf != nil {
		ok, err := runGuard(g.notIf, g.source[1], env)
		if err != nil {
			return false, "", err
		}
		if ok {
			return false, fmt.Sprintf("not_if %q is true", g.source[1]), nil
		}
	}
	return true, "", nil
}

func runGuard(program *vm.Program, source string, env map[string]interface{}) (bool, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", source, out)
	}
	return b, nil
}
