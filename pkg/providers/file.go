package providers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/transports"
)

const defaultFileMode fs.FileMode = 0o644

// FileProvider manages plain files.
type FileProvider struct {
	t transports.Transport
}

// NewFileProvider returns the file provider.
func NewFileProvider(t transports.Transport) *FileProvider {
	return &FileProvider{t: t}
}

type fileProps struct {
	Path    string      `mapstructure:"path"`
	Content *string     `mapstructure:"content"`
	Owner   string      `mapstructure:"owner"`
	Group   string      `mapstructure:"group"`
	Mode    interface{} `mapstructure:"mode"`
}

// fileSpec is the desired state shared by file and template resources.
type fileSpec struct {
	path    string
	content []byte
	managed bool // content is managed
	owner   string
	group   string
	mode    fs.FileMode
	hasMode bool
}

func (p *FileProvider) Type() string { return "file" }

func (p *FileProvider) Actions() []engine.Action {
	return []engine.Action{engine.ActionCreate, engine.ActionDelete, engine.ActionNothing}
}

func (p *FileProvider) spec(res *engine.Resource) (*fileSpec, error) {
	var props fileProps
	if err := res.Decode(&props); err != nil {
		return nil, err
	}
	mode, hasMode, err := parseMode(props.Mode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", res.Identity, err)
	}
	s := &fileSpec{
		path:    pathOf(res, props.Path),
		owner:   props.Owner,
		group:   props.Group,
		mode:    mode,
		hasMode: hasMode,
	}
	if props.Content != nil {
		s.content = []byte(*props.Content)
		s.managed = true
	}
	return s, nil
}

func (p *FileProvider) Probe(ctx context.Context, res *engine.Resource) (engine.State, error) {
	s, err := p.spec(res)
	if err != nil {
		return nil, err
	}
	return probeFile(ctx, p.t, s.path)
}

func (p *FileProvider) Diff(res *engine.Resource, actual engine.State) []engine.Change {
	s, err := p.spec(res)
	if err != nil {
		return []engine.Change{{Property: "properties", Desired: err.Error()}}
	}
	return diffFile(res, s, actual)
}

func (p *FileProvider) Apply(ctx context.Context, res *engine.Resource, changes []engine.Change) error {
	s, err := p.spec(res)
	if err != nil {
		return err
	}
	return applyFile(ctx, p.t, res, s, changes)
}

func (p *FileProvider) Act(ctx context.Context, res *engine.Resource, action engine.Action) error {
	s, err := p.spec(res)
	if err != nil {
		return err
	}
	return actFile(ctx, p.t, res, s, action)
}

// probeFile reads the state of path: existence, content checksum, mode and
// ownership.
func probeFile(ctx context.Context, t transports.Transport, path string) (engine.State, error) {
	info, err := t.Stat(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return engine.State{"exists": false}, nil
	}
	if err != nil {
		return nil, err
	}

	state := engine.State{
		"exists": true,
		"is_dir": info.IsDir,
		"mode":   formatMode(info.Mode),
		"owner":  info.Owner,
		"group":  info.Group,
	}
	if !info.IsDir {
		data, err := t.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		state["checksum"] = checksum(data)
	}
	return state, nil
}

func diffFile(res *engine.Resource, s *fileSpec, actual engine.State) []engine.Change {
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
		changes := []engine.Change{{Property: "exists", Desired: true, Actual: false}}
		if s.managed {
			changes = append(changes, engine.Change{Property: "checksum", Desired: checksum(s.content)})
		}
		return changes
	}
	if isDir, _ := actual["is_dir"].(bool); isDir {
		return []engine.Change{{Property: "type", Desired: "file", Actual: "directory"}}
	}

	var changes []engine.Change
	if s.managed {
		if want := checksum(s.content); want != actual["checksum"] {
			changes = append(changes, engine.Change{Property: "checksum", Desired: want, Actual: actual["checksum"]})
		}
	}
	changes = append(changes, diffOwnership(s.owner, s.group, s.mode, s.hasMode, actual)...)
	return changes
}

func diffOwnership(owner, group string, mode fs.FileMode, hasMode bool, actual engine.State) []engine.Change {
	var changes []engine.Change
	if hasMode && formatMode(mode) != actual["mode"] {
		changes = append(changes, engine.Change{Property: "mode", Desired: formatMode(mode), Actual: actual["mode"]})
	}
	if owner != "" && owner != actual["owner"] {
		changes = append(changes, engine.Change{Property: "owner", Desired: owner, Actual: actual["owner"]})
	}
	if group != "" && group != actual["group"] {
		changes = append(changes, engine.Change{Property: "group", Desired: group, Actual: actual["group"]})
	}
	return changes
}

func applyFile(ctx context.Context, t transports.Transport, res *engine.Resource, s *fileSpec, changes []engine.Change) error {
	if res.HasAction(engine.ActionDelete) {
		return t.Remove(ctx, s.path)
	}
	if hasChange(changes, "type") {
		return fmt.Errorf("%s: %s is a directory", res.Identity, s.path)
	}

	if hasChange(changes, "exists") || hasChange(changes, "checksum") {
		return writeFile(ctx, t, s)
	}

	if hasChange(changes, "mode") {
		if err := t.Chmod(ctx, s.path, s.mode); err != nil {
			return err
		}
	}
	if hasChange(changes, "owner") || hasChange(changes, "group") {
		return t.Chown(ctx, s.path, s.owner, s.group)
	}
	return nil
}

// writeFile replaces the content of s.path. Mode and ownership that s leaves
// unset are carried over from the previous file.
func writeFile(ctx context.Context, t transports.Transport, s *fileSpec) error {
	prev, err := t.Stat(ctx, s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	mode, owner, group := defaultFileMode, s.owner, s.group
	if s.hasMode {
		mode = s.mode
	} else if prev != nil {
		mode = prev.Perm()
	}
	if prev != nil {
		if owner == "" {
			owner = prev.Owner
		}
		if group == "" {
			group = prev.Group
		}
	}

	if err := t.WriteFile(ctx, s.path, s.content, mode); err != nil {
		return err
	}
	if owner == "" && group == "" {
		return nil
	}

	now, err := t.Stat(ctx, s.path)
	if err != nil {
		return err
	}
	if now.Owner == owner {
		owner = ""
	}
	if now.Group == group {
		group = ""
	}
	if owner == "" && group == "" {
		return nil
	}
	return t.Chown(ctx, s.path, owner, group)
}

// actFile handles notification-requested actions for file-like resources.
func actFile(ctx context.Context, t transports.Transport, res *engine.Resource, s *fileSpec, action engine.Action) error {
	switch action {
	case engine.ActionNothing:
		return nil
	case engine.ActionDelete:
		return t.Remove(ctx, s.path)
	case engine.ActionCreate:
		actual, err := probeFile(ctx, t, s.path)
		if err != nil {
			return err
		}
		forced := &engine.Resource{Identity: res.Identity, Actions: []engine.Action{engine.ActionCreate}, Properties: res.Properties, View: res.View}
		changes := diffFile(forced, s, actual)
		if len(changes) == 0 {
			return nil
		}
		return applyFile(ctx, t, forced, s, changes)
	default:
		return unsupported(res, action)
	}
}

var _ engine.Provider = (*FileProvider)(nil)
