package providers

import (
	"context"
	"fmt"
	"io/fs"
	"path"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/transports"
)

const defaultDirMode fs.FileMode = 0o755

// DirectoryProvider manages directories.
type DirectoryProvider struct {
	t transports.Transport
}

// NewDirectoryProvider returns the directory provider.
func NewDirectoryProvider(t transports.Transport) *DirectoryProvider {
	return &DirectoryProvider{t: t}
}

type directoryProps struct {
	Path      string      `mapstructure:"path"`
	Owner     string      `mapstructure:"owner"`
	Group     string      `mapstructure:"group"`
	Mode      interface{} `mapstructure:"mode"`
	Recursive bool        `mapstructure:"recursive"`
}

type directorySpec struct {
	directoryProps
	mode    fs.FileMode
	hasMode bool
}

func (p *DirectoryProvider) Type() string { return "directory" }

func (p *DirectoryProvider) Actions() []engine.Action {
	return []engine.Action{engine.ActionCreate, engine.ActionDelete, engine.ActionNothing}
}

func (p *DirectoryProvider) spec(res *engine.Resource) (*directorySpec, error) {
	var s directorySpec
	if err := res.Decode(&s.directoryProps); err != nil {
		return nil, err
	}
	mode, hasMode, err := parseMode(s.Mode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", res.Identity, err)
	}
	s.Path = pathOf(res, s.Path)
	s.mode, s.hasMode = mode, hasMode
	return &s, nil
}

func (p *DirectoryProvider) Probe(ctx context.Context, res *engine.Resource) (engine.State, error) {
	s, err := p.spec(res)
	if err != nil {
		return nil, err
	}
	return probeFile(ctx, p.t, s.Path)
}

func (p *DirectoryProvider) Diff(res *engine.Resource, actual engine.State) []engine.Change {
	s, err := p.spec(res)
	if err != nil {
		return []engine.Change{{Property: "properties", Desired: err.Error()}}
	}
	exists, _ := actual["exists"].(bool)

	if res.HasAction(engine.ActionDelete) {
		if exists {
			return []engine.Change{{Property: "exists", Desired: false, Actual: true}}
		}
		return nil
	}
	if !res.HasAction(engine.ActionCreate) {
		return nil
	}
	if !exists {
		return []engine.Change{{Property: "exists", Desired: true, Actual: false}}
	}
	if isDir, _ := actual["is_dir"].(bool); !isDir {
		return []engine.Change{{Property: "type", Desired: "directory", Actual: "file"}}
	}
	return diffOwnership(s.Owner, s.Group, s.mode, s.hasMode, actual)
}

func (p *DirectoryProvider) Apply(ctx context.Context, res *engine.Resource, changes []engine.Change) error {
	s, err := p.spec(res)
	if err != nil {
		return err
	}

	if res.HasAction(engine.ActionDelete) {
		return p.remove(ctx, s)
	}
	if hasChange(changes, "type") {
		return fmt.Errorf("%s: %s exists and is not a directory", res.Identity, s.Path)
	}

	mode := defaultDirMode
	if s.hasMode {
		mode = s.mode
	}
	if hasChange(changes, "exists") {
		if !s.Recursive {
			parent := path.Dir(path.Clean(s.Path))
			if _, err := p.t.Stat(ctx, parent); err != nil {
				return fmt.Errorf("%s: parent directory %s: %w", res.Identity, parent, err)
			}
		}
		if err := p.t.MkdirAll(ctx, s.Path, mode); err != nil {
			return err
		}
		if s.Owner != "" || s.Group != "" {
			return p.t.Chown(ctx, s.Path, s.Owner, s.Group)
		}
		return nil
	}

	if hasChange(changes, "mode") {
		if err := p.t.Chmod(ctx, s.Path, mode); err != nil {
			return err
		}
	}
	if hasChange(changes, "owner") || hasChange(changes, "group") {
		return p.t.Chown(ctx, s.Path, s.Owner, s.Group)
	}
	return nil
}

func (p *DirectoryProvider) remove(ctx context.Context, s *directorySpec) error {
	if s.Recursive {
		_, err := transports.Check(ctx, p.t, transports.Cmd("rm", "-rf", "--", s.Path))
		return err
	}
	return p.t.Remove(ctx, s.Path)
}

func (p *DirectoryProvider) Act(ctx context.Context, res *engine.Resource, action engine.Action) error {
	s, err := p.spec(res)
	if err != nil {
		return err
	}
	switch action {
	case engine.ActionNothing:
		return nil
	case engine.ActionDelete:
		return p.remove(ctx, s)
	case engine.ActionCreate:
		forced := &engine.Resource{Identity: res.Identity, Actions: []engine.Action{engine.ActionCreate}, Properties: res.Properties, View: res.View}
		actual, err := p.Probe(ctx, forced)
		if err != nil {
			return err
		}
		if changes := p.Diff(forced, actual); len(changes) > 0 {
			return p.Apply(ctx, forced, changes)
		}
		return nil
	default:
		return unsupported(res, action)
	}
}

var _ engine.Provider = (*DirectoryProvider)(nil)
