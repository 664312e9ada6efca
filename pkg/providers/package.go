package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/transports"
)

// Package managers the package provider can drive.
const (
	ManagerApt    = "apt"
	ManagerDnf    = "dnf"
	ManagerYum    = "yum"
	ManagerZypper = "zypper"
)

// detectOrder is the order managers are probed in when none is configured.
var detectOrder = []string{ManagerApt, ManagerDnf, ManagerYum, ManagerZypper}

// PackageProvider manages OS packages.
type PackageProvider struct {
	t transports.Transport

	mu       sync.Mutex
	detected string
}

// NewPackageProvider returns the package provider.
func NewPackageProvider(t transports.Transport) *PackageProvider {
	return &PackageProvider{t: t}
}

type packageProps struct {
	PackageName string   `mapstructure:"package_name"`
	Version     string   `mapstructure:"version"`
	Manager     string   `mapstructure:"manager"`
	Options     []string `mapstructure:"options"`
}

func (p *PackageProvider) Type() string { return "package" }

func (p *PackageProvider) Actions() []engine.Action {
	return []engine.Action{engine.ActionInstall, engine.ActionUpgrade, engine.ActionRemove, engine.ActionNothing}
}

func (p *PackageProvider) props(ctx context.Context, res *engine.Resource) (*packageProps, error) {
	var props packageProps
	if err := res.Decode(&props); err != nil {
		return nil, err
	}
	if props.PackageName == "" {
		props.PackageName = res.Name
	}
	if props.Manager == "" {
		m, err := p.manager(ctx)
		if err != nil {
			return nil, err
		}
		props.Manager = m
	}
	return &props, nil
}

// manager detects the node's package manager once.
func (p *PackageProvider) manager(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detected != "" {
		return p.detected, nil
	}
	for _, m := range detectOrder {
		bin := m
		if m == ManagerApt {
			bin = "apt-get"
		}
		res, err := p.t.Run(ctx, transports.Cmd("sh", "-c", "command -v "+bin))
		if err != nil {
			return "", err
		}
		if res.Success() {
			p.detected = m
			return m, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found on %s", p.t.Name())
}

func (p *PackageProvider) Probe(ctx context.Context, res *engine.Resource) (engine.State, error) {
	props, err := p.props(ctx, res)
	if err != nil {
		return nil, err
	}

	var query transports.Command
	switch props.Manager {
	case ManagerApt:
		query = transports.Cmd("dpkg-query", "-W", "-f=${Status}|${Version}", props.PackageName)
	case ManagerDnf, ManagerYum, ManagerZypper:
		query = transports.Cmd("rpm", "-q", "--queryformat", "install ok installed|%{VERSION}-%{RELEASE}", props.PackageName)
	default:
		return nil, fmt.Errorf("unsupported package manager: %s", props.Manager)
	}

	out, err := p.t.Run(ctx, query)
	if err != nil {
		return nil, err
	}
	state := engine.State{"installed": false, "version": ""}
	if out.Success() {
		status, version, _ := strings.Cut(strings.TrimSpace(out.Stdout), "|")
		if strings.HasSuffix(status, "installed") && !strings.Contains(status, "not-installed") {
			state["installed"] = true
			state["version"] = version
		}
	}

	if res.HasAction(engine.ActionUpgrade) && state["installed"] == true {
		upgradable, err := p.upgradable(ctx, props)
		if err != nil {
			return nil, err
		}
		state["upgradable"] = upgradable
	}
	return state, nil
}

// upgradable asks the package manager whether a newer version is available.
func (p *PackageProvider) upgradable(ctx context.Context, props *packageProps) (bool, error) {
	switch props.Manager {
	case ManagerApt:
		out, err := transports.Check(ctx, p.t, transports.Cmd("apt-cache", "policy", props.PackageName))
		if err != nil {
			return false, err
		}
		var installed, candidate string
		for _, line := range strings.Split(out.Stdout, "\n") {
			line = strings.TrimSpace(line)
			if v, ok := strings.CutPrefix(line, "Installed:"); ok {
				installed = strings.TrimSpace(v)
			}
			if v, ok := strings.CutPrefix(line, "Candidate:"); ok {
				candidate = strings.TrimSpace(v)
			}
		}
		return candidate != "" && candidate != "(none)" && candidate != installed, nil
	case ManagerDnf, ManagerYum:
		// check-update exits 100 when updates are available.
		out, err := p.t.Run(ctx, transports.Cmd(props.Manager, "-q", "check-update", props.PackageName))
		if err != nil {
			return false, err
		}
		return out.ExitCode == 100, nil
	case ManagerZypper:
		out, err := transports.Check(ctx, p.t, transports.Cmd("zypper", "-q", "list-updates"))
		if err != nil {
			return false, err
		}
		for _, line := range strings.Split(out.Stdout, "\n") {
			fields := strings.Split(line, "|")
			if len(fields) > 2 && strings.TrimSpace(fields[2]) == props.PackageName {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unsupported package manager: %s", props.Manager)
	}
}

func (p *PackageProvider) Diff(res *engine.Resource, actual engine.State) []engine.Change {
	installed, _ := actual["installed"].(bool)
	version, _ := actual["version"].(string)

	var props packageProps
	if err := res.Decode(&props); err != nil {
		return []engine.Change{{Property: "properties", Desired: err.Error()}}
	}

	switch {
	case res.HasAction(engine.ActionRemove):
		if installed {
			return []engine.Change{{Property: "installed", Desired: false, Actual: true}}
		}
	case res.HasAction(engine.ActionUpgrade):
		if !installed {
			return []engine.Change{{Property: "installed", Desired: true, Actual: false}}
		}
		if up, _ := actual["upgradable"].(bool); up {
			return []engine.Change{{Property: "version", Desired: "latest", Actual: version}}
		}
	case res.HasAction(engine.ActionInstall):
		if !installed {
			return []engine.Change{{Property: "installed", Desired: true, Actual: false}}
		}
		if props.Version != "" && props.Version != version {
			return []engine.Change{{Property: "version", Desired: props.Version, Actual: version}}
		}
	}
	return nil
}

func (p *PackageProvider) Apply(ctx context.Context, res *engine.Resource, changes []engine.Change) error {
	switch {
	case res.HasAction(engine.ActionRemove):
		return p.Act(ctx, res, engine.ActionRemove)
	case res.HasAction(engine.ActionUpgrade):
		return p.Act(ctx, res, engine.ActionUpgrade)
	default:
		return p.Act(ctx, res, engine.ActionInstall)
	}
}

func (p *PackageProvider) Act(ctx context.Context, res *engine.Resource, action engine.Action) error {
	if action == engine.ActionNothing {
		return nil
	}
	props, err := p.props(ctx, res)
	if err != nil {
		return err
	}
	cmd, err := packageCommand(props, action)
	if err != nil {
		return fmt.Errorf("%s: %w", res.Identity, err)
	}
	if _, err := transports.Check(ctx, p.t, cmd); err != nil {
		return fmt.Errorf("failed to %s package %s: %w", action, props.PackageName, err)
	}
	return nil
}

// packageCommand builds the manager invocation for action.
func packageCommand(props *packageProps, action engine.Action) (transports.Command, error) {
	spec := props.PackageName
	if props.Version != "" && action == engine.ActionInstall {
		switch props.Manager {
		case ManagerApt:
			spec = props.PackageName + "=" + props.Version
		case ManagerDnf, ManagerYum:
			spec = props.PackageName + "-" + props.Version
		case ManagerZypper:
			spec = props.PackageName + "=" + props.Version
		}
	}

	var verb string
	switch action {
	case engine.ActionInstall:
		verb = "install"
	case engine.ActionRemove:
		verb = "remove"
	case engine.ActionUpgrade:
		verb = "upgrade"
		if props.Manager == ManagerZypper {
			verb = "update"
		}
	default:
		return transports.Command{}, fmt.Errorf("unsupported package action %q", action)
	}

	var args []string
	switch props.Manager {
	case ManagerApt:
		args = []string{"apt-get", "-q", "-y", verb}
		if action == engine.ActionUpgrade {
			args = []string{"apt-get", "-q", "-y", "install", "--only-upgrade"}
		}
	case ManagerDnf, ManagerYum:
		args = []string{props.Manager, "-y", verb}
	case ManagerZypper:
		args = []string{"zypper", "--non-interactive", verb}
	default:
		return transports.Command{}, fmt.Errorf("unsupported package manager: %s", props.Manager)
	}
	args = append(args, props.Options...)
	args = append(args, spec)

	cmd := transports.Command{Args: args}
	if props.Manager == ManagerApt {
		cmd.Env = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}
	}
	return cmd, nil
}

var _ engine.Provider = (*PackageProvider)(nil)
