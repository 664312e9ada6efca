package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/transports"
)

// ServiceProvider manages systemd units.
//
// The declared actions describe the steady state: enable and disable set
// the boot-time state, start and stop the running state. Declaring restart
// or reload only makes sure the service is running; the restart or reload
// itself happens when a notification asks for it.
type ServiceProvider struct {
	t transports.Transport
}

// NewServiceProvider returns the service provider.
func NewServiceProvider(t transports.Transport) *ServiceProvider {
	return &ServiceProvider{t: t}
}

type serviceProps struct {
	ServiceName    string `mapstructure:"service_name"`
	SupportsReload *bool  `mapstructure:"supports_reload"`
}

func (p *ServiceProvider) Type() string { return "service" }

// Actions lists nothing first: a service declared without actions only
// reacts to notifications.
func (p *ServiceProvider) Actions() []engine.Action {
	return []engine.Action{
		engine.ActionNothing,
		engine.ActionEnable,
		engine.ActionDisable,
		engine.ActionStart,
		engine.ActionStop,
		engine.ActionRestart,
		engine.ActionReload,
	}
}

func (p *ServiceProvider) props(res *engine.Resource) (*serviceProps, error) {
	var props serviceProps
	if err := res.Decode(&props); err != nil {
		return nil, err
	}
	if props.ServiceName == "" {
		props.ServiceName = res.Name
	}
	return &props, nil
}

func (p *ServiceProvider) Probe(ctx context.Context, res *engine.Resource) (engine.State, error) {
	props, err := p.props(res)
	if err != nil {
		return nil, err
	}

	active, err := p.t.Run(ctx, transports.Cmd("systemctl", "is-active", props.ServiceName))
	if err != nil {
		return nil, err
	}
	enabled, err := p.t.Run(ctx, transports.Cmd("systemctl", "is-enabled", props.ServiceName))
	if err != nil {
		return nil, err
	}

	return engine.State{
		"running": strings.TrimSpace(active.Stdout) == "active",
		"enabled": isEnabledState(strings.TrimSpace(enabled.Stdout)),
	}, nil
}

// isEnabledState maps systemctl is-enabled output to a boolean. Static and
// alias units are treated as enabled since they cannot be enabled further.
func isEnabledState(s string) bool {
	switch s {
	case "enabled", "enabled-runtime", "static", "alias", "indirect", "generated":
		return true
	default:
		return false
	}
}

func (p *ServiceProvider) Diff(res *engine.Resource, actual engine.State) []engine.Change {
	running, _ := actual["running"].(bool)
	enabled, _ := actual["enabled"].(bool)

	var changes []engine.Change
	for _, a := range res.Actions {
		switch a {
		case engine.ActionEnable:
			if !enabled {
				changes = append(changes, engine.Change{Property: "enabled", Desired: true, Actual: false})
			}
		case engine.ActionDisable:
			if enabled {
				changes = append(changes, engine.Change{Property: "enabled", Desired: false, Actual: true})
			}
		case engine.ActionStart, engine.ActionRestart, engine.ActionReload:
			if !running && !hasChange(changes, "running") {
				changes = append(changes, engine.Change{Property: "running", Desired: true, Actual: false})
			}
		case engine.ActionStop:
			if running {
				changes = append(changes, engine.Change{Property: "running", Desired: false, Actual: true})
			}
		}
	}
	return changes
}

func (p *ServiceProvider) Apply(ctx context.Context, res *engine.Resource, changes []engine.Change) error {
	props, err := p.props(res)
	if err != nil {
		return err
	}
	for _, c := range changes {
		want, _ := c.Desired.(bool)
		var verb string
		switch {
		case c.Property == "enabled" && want:
			verb = "enable"
		case c.Property == "enabled":
			verb = "disable"
		case c.Property == "running" && want:
			verb = "start"
		case c.Property == "running":
			verb = "stop"
		default:
			return fmt.Errorf("%s: unexpected change %s", res.Identity, c.Property)
		}
		if err := p.systemctl(ctx, verb, props.ServiceName); err != nil {
			return err
		}
	}
	return nil
}

func (p *ServiceProvider) Act(ctx context.Context, res *engine.Resource, action engine.Action) error {
	props, err := p.props(res)
	if err != nil {
		return err
	}
	switch action {
	case engine.ActionNothing:
		return nil
	case engine.ActionReload:
		if props.SupportsReload != nil && !*props.SupportsReload {
			return p.systemctl(ctx, "restart", props.ServiceName)
		}
		return p.systemctl(ctx, "reload", props.ServiceName)
	case engine.ActionEnable, engine.ActionDisable, engine.ActionStart, engine.ActionStop, engine.ActionRestart:
		return p.systemctl(ctx, string(action), props.ServiceName)
	default:
		return unsupported(res, action)
	}
}

func (p *ServiceProvider) systemctl(ctx context.Context, verb, unit string) error {
	_, err := transports.Check(ctx, p.t, transports.Cmd("systemctl", verb, unit))
	if err != nil {
		return fmt.Errorf("failed to %s service %s: %w", verb, unit, err)
	}
	return nil
}

var _ engine.Provider = (*ServiceProvider)(nil)
