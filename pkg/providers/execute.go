package providers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/transports"
)

// ExecuteProvider runs commands. Without a creates path or a guard the
// command runs on every convergence.
type ExecuteProvider struct {
	t transports.Transport
}

// NewExecuteProvider returns the execute provider.
func NewExecuteProvider(t transports.Transport) *ExecuteProvider {
	return &ExecuteProvider{t: t}
}

type executeProps struct {
	Command     string            `mapstructure:"command"`
	Shell       bool              `mapstructure:"shell"`
	Creates     string            `mapstructure:"creates"`
	Cwd         string            `mapstructure:"cwd"`
	Environment map[string]string `mapstructure:"environment"`
	Returns     []int             `mapstructure:"returns"`
}

func (p *ExecuteProvider) Type() string { return "execute" }

func (p *ExecuteProvider) Actions() []engine.Action {
	return []engine.Action{engine.ActionRun, engine.ActionNothing}
}

func (p *ExecuteProvider) props(res *engine.Resource) (*executeProps, error) {
	var props executeProps
	if err := res.Decode(&props); err != nil {
		return nil, err
	}
	if props.Command == "" {
		props.Command = res.Name
	}
	if len(props.Returns) == 0 {
		props.Returns = []int{0}
	}
	return &props, nil
}

// command builds the invocation. The command line is split with shell
// quoting rules and run directly unless shell is set.
func (props *executeProps) command() (transports.Command, error) {
	var cmd transports.Command
	if props.Shell {
		cmd = transports.Cmd("sh", "-c", props.Command)
	} else {
		var err error
		if cmd, err = transports.ShellCommand(props.Command); err != nil {
			return transports.Command{}, err
		}
	}
	cmd.Dir = props.Cwd
	cmd.Env = props.Environment
	return cmd, nil
}

func (p *ExecuteProvider) Probe(ctx context.Context, res *engine.Resource) (engine.State, error) {
	props, err := p.props(res)
	if err != nil {
		return nil, err
	}
	if props.Creates == "" {
		return engine.State{}, nil
	}
	_, err = p.t.Stat(ctx, props.Creates)
	switch {
	case err == nil:
		return engine.State{"creates_exists": true}, nil
	case errors.Is(err, fs.ErrNotExist):
		return engine.State{"creates_exists": false}, nil
	default:
		return nil, err
	}
}

func (p *ExecuteProvider) Diff(res *engine.Resource, actual engine.State) []engine.Change {
	if !res.HasAction(engine.ActionRun) {
		return nil
	}
	props, err := p.props(res)
	if err != nil {
		return []engine.Change{{Property: "properties", Desired: err.Error()}}
	}
	if exists, _ := actual["creates_exists"].(bool); exists {
		return nil
	}
	return []engine.Change{{Property: "command", Desired: props.Command}}
}

func (p *ExecuteProvider) Apply(ctx context.Context, res *engine.Resource, changes []engine.Change) error {
	return p.run(ctx, res)
}

func (p *ExecuteProvider) Act(ctx context.Context, res *engine.Resource, action engine.Action) error {
	switch action {
	case engine.ActionNothing:
		return nil
	case engine.ActionRun:
		return p.run(ctx, res)
	default:
		return unsupported(res, action)
	}
}

func (p *ExecuteProvider) run(ctx context.Context, res *engine.Resource) error {
	props, err := p.props(res)
	if err != nil {
		return err
	}
	cmd, err := props.command()
	if err != nil {
		return fmt.Errorf("%s: %w", res.Identity, err)
	}

	result, err := p.t.Run(ctx, cmd)
	if err != nil {
		return err
	}
	for _, code := range props.Returns {
		if result.ExitCode == code {
			return nil
		}
	}
	if err := result.Err(); err != nil {
		return fmt.Errorf("%w (accepted exit codes %v)", err, props.Returns)
	}
	return fmt.Errorf("%s: exit status 0 (accepted exit codes %v)", cmd, props.Returns)
}

var _ engine.Provider = (*ExecuteProvider)(nil)
