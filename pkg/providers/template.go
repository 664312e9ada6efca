package providers

import (
	"context"
	"fmt"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/template"
	"github.com/openfroyo/convergo/pkg/transports"
)

// TemplateProvider manages files rendered from templates against the run's
// attribute view.
type TemplateProvider struct {
	t        transports.Transport
	renderer *template.Renderer
}

// NewTemplateProvider returns the template provider. Named sources are loaded
// through renderer; a nil renderer allows inline sources only.
func NewTemplateProvider(t transports.Transport, renderer *template.Renderer) *TemplateProvider {
	if renderer == nil {
		renderer = template.NewRenderer(nil)
	}
	return &TemplateProvider{t: t, renderer: renderer}
}

type templateProps struct {
	Path      string                 `mapstructure:"path"`
	Source    string                 `mapstructure:"source"`
	Inline    string                 `mapstructure:"inline"`
	Variables map[string]interface{} `mapstructure:"variables"`
	Owner     string                 `mapstructure:"owner"`
	Group     string                 `mapstructure:"group"`
	Mode      interface{}            `mapstructure:"mode"`
}

func (p *TemplateProvider) Type() string { return "template" }

func (p *TemplateProvider) Actions() []engine.Action {
	return []engine.Action{engine.ActionCreate, engine.ActionDelete, engine.ActionNothing}
}

// spec renders the template. A render failure is returned as is so callers
// can match *template.MissingVariableError and *template.UnknownVariantError.
func (p *TemplateProvider) spec(res *engine.Resource) (*fileSpec, error) {
	var props templateProps
	if err := res.Decode(&props); err != nil {
		return nil, err
	}
	mode, hasMode, err := parseMode(props.Mode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", res.Identity, err)
	}

	var out string
	switch {
	case props.Inline != "":
		out, err = template.Render(res.Identity.String(), props.Inline, res.View, props.Variables)
	case props.Source != "":
		out, err = p.renderer.RenderFile(props.Source, res.View, props.Variables)
	default:
		return nil, fmt.Errorf("%s: either source or inline is required", res.Identity)
	}
	if err != nil {
		return nil, err
	}

	return &fileSpec{
		path:    pathOf(res, props.Path),
		content: []byte(out),
		managed: true,
		owner:   props.Owner,
		group:   props.Group,
		mode:    mode,
		hasMode: hasMode,
	}, nil
}

func (p *TemplateProvider) Probe(ctx context.Context, res *engine.Resource) (engine.State, error) {
	var props templateProps
	if err := res.Decode(&props); err != nil {
		return nil, err
	}
	return probeFile(ctx, p.t, pathOf(res, props.Path))
}

// Diff reports a render failure as a pending content change so that Apply
// runs and fails the resource with the render error.
func (p *TemplateProvider) Diff(res *engine.Resource, actual engine.State) []engine.Change {
	s, err := p.spec(res)
	if err != nil {
		if res.HasAction(engine.ActionDelete) {
			return diffFile(res, &fileSpec{}, actual)
		}
		return []engine.Change{{Property: "content", Desired: "render failed: " + err.Error(), Actual: actual["checksum"]}}
	}
	return diffFile(res, s, actual)
}

func (p *TemplateProvider) Apply(ctx context.Context, res *engine.Resource, changes []engine.Change) error {
	if res.HasAction(engine.ActionDelete) {
		var props templateProps
		if err := res.Decode(&props); err != nil {
			return err
		}
		return p.t.Remove(ctx, pathOf(res, props.Path))
	}
	s, err := p.spec(res)
	if err != nil {
		return err
	}
	return applyFile(ctx, p.t, res, s, changes)
}

func (p *TemplateProvider) Act(ctx context.Context, res *engine.Resource, action engine.Action) error {
	s, err := p.spec(res)
	if err != nil {
		return err
	}
	return actFile(ctx, p.t, res, s, action)
}

var _ engine.Provider = (*TemplateProvider)(nil)
