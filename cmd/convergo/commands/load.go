package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/convergo/pkg/attributes"
	"github.com/openfroyo/convergo/pkg/config"
	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/policy"
	"github.com/openfroyo/convergo/pkg/providers"
	"github.com/openfroyo/convergo/pkg/providers/plugin"
	"github.com/openfroyo/convergo/pkg/telemetry"
	"github.com/openfroyo/convergo/pkg/template"
	"github.com/openfroyo/convergo/pkg/transports"
	"github.com/openfroyo/convergo/pkg/transports/ssh"
)

// loaded is a run definition evaluated against its attributes: the inline
// resources plus everything its recipes declared.
type loaded struct {
	def   *config.ParsedConfig
	store *attributes.Store
	view  *attributes.View
	decls []engine.Declaration
}

// parse reads the run definition at path: a .cue file, or a directory
// holding one or a CUE package.
func parse(ctx context.Context, path string) (*config.ParsedConfig, *config.CUEParser, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("run definition: %w", err)
	}
	source := path
	if info.IsDir() {
		if source, err = config.FindDefinition(path); err != nil {
			return nil, nil, err
		}
	}

	parser := config.NewCUEParser()
	def, err := parser.Parse(ctx, []string{source})
	if err != nil {
		return nil, nil, err
	}
	if err := def.Err(); err != nil {
		return nil, nil, err
	}
	return def, parser, nil
}

// load parses the definition, merges its attributes and the --attr
// overrides, and runs its recipes.
func (o *globalOptions) load(ctx context.Context, path string) (*loaded, error) {
	def, parser, err := parse(ctx, path)
	if err != nil {
		return nil, err
	}

	store := attributes.NewStore()
	if err := def.LoadAttributes(store); err != nil {
		return nil, err
	}
	for _, assignment := range o.attrs {
		p, value, err := attributes.ParseAssignment(assignment)
		if err != nil {
			return nil, err
		}
		if err := store.Set(p, value, attributes.Override); err != nil {
			return nil, fmt.Errorf("--attr %s: %w", assignment, err)
		}
	}
	view := store.Snapshot()

	evaluator := config.NewRecipeEvaluator(parser, o.recipeTimeout)
	for _, recipe := range def.Run.Recipes {
		resources, err := evaluator.EvalFile(ctx, def.Resolve(recipe), view)
		if err != nil {
			return nil, fmt.Errorf("recipe %s: %w", recipe, err)
		}
		def.Resources = append(def.Resources, resources...)
	}

	decls, err := def.Declarations()
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("run", def.Run.Name).
		Int("resources", len(decls)).
		Int("recipes", len(def.Run.Recipes)).
		Msg("Loaded run definition")

	return &loaded{def: def, store: store, view: view, decls: decls}, nil
}

// watchPaths lists the directories whose changes can alter the run: the
// definition, attribute files, recipes and templates.
func (l *loaded) watchPaths() []string {
	dirs := map[string]bool{}
	add := func(p string) {
		if p == "" {
			return
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			p = filepath.Dir(p)
		}
		dirs[p] = true
	}

	for _, f := range l.def.SourceFiles {
		add(f)
	}
	for _, f := range l.def.Run.AttributeFiles {
		add(l.def.Resolve(f.Path))
	}
	for _, r := range l.def.Run.Recipes {
		add(l.def.Resolve(r))
	}
	add(l.def.Resolve(l.def.Run.Templates))
	for _, p := range l.def.Run.Policies {
		add(l.def.Resolve(p))
	}

	out := make([]string, 0, len(dirs))
	for d := range dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// hostName is the node name recorded in policies and history.
func (o *globalOptions) hostName() string {
	if o.host != "" {
		return o.host
	}
	return "localhost"
}

// checkPolicies evaluates the built-in and configured policies against the
// declarations. Warnings are logged; blocking violations fail with a
// *policy.DeniedError.
func (o *globalOptions) checkPolicies(ctx context.Context, l *loaded, dryRun bool, metrics *telemetry.Metrics) (*policy.Result, error) {
	logger := log.With().Str("component", "policy").Logger()
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(l.def.Run.Policies) > 0 {
		paths := make([]string, len(l.def.Run.Policies))
		for i, p := range l.def.Run.Policies {
			paths[i] = l.def.Resolve(p)
		}
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}

	result, err := pe.Evaluate(ctx, l.decls, policy.Context{
		Run:    l.def.Run.Name,
		Host:   o.hostName(),
		DryRun: dryRun,
	})
	if err != nil {
		return nil, err
	}

	if metrics != nil {
		for _, v := range result.Violations {
			metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		}
		for _, w := range result.Warnings {
			metrics.RecordPolicyViolation(w.Policy, string(w.Severity))
		}
	}
	for _, w := range result.Warnings {
		logger.Warn().Str("policy", w.Policy).Str("resource", w.Resource).Msg(w.Message)
	}
	return result, result.Err()
}

// connect opens the transport to the converged node.
func (o *globalOptions) connect(ctx context.Context) (transports.Transport, error) {
	if o.host == "" {
		if o.sudo {
			return nil, errors.New("--sudo requires --host")
		}
		if o.proxy != "" {
			return nil, errors.New("--proxy requires --host")
		}
		return transports.NewLocal(), nil
	}

	cfg, err := ssh.ParseTarget(o.host)
	if err != nil {
		return nil, err
	}
	cfg.Sudo = o.sudo
	if o.identity != "" {
		cfg.PrivateKeyPath = o.identity
	} else if os.Getenv("SSH_AUTH_SOCK") != "" {
		cfg.AuthMethod = ssh.AuthMethodAgent
	}
	if o.insecureHosts {
		cfg.StrictHostKeyChecking = false
	}
	if o.proxy != "" {
		if err := cfg.SetProxy(o.proxy); err != nil {
			return nil, err
		}
	}

	client, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", o.host, err)
	}
	return client, nil
}

// node is everything needed to converge one host: its transport, the loaded
// plugins and the provider registry bound to both.
type node struct {
	transport transports.Transport
	plugins   plugin.Set
	registry  *engine.Registry
}

// openNode builds the registry of built-in and plugin providers on t.
func (o *globalOptions) openNode(ctx context.Context, l *loaded, t transports.Transport) (*node, error) {
	renderer := template.NewRenderer(nil)
	if l.def.Run.Templates != "" {
		renderer = template.NewRenderer(os.DirFS(l.def.Resolve(l.def.Run.Templates)))
	}

	n := &node{transport: t}

	dir := o.plugins
	if dir == "" {
		dir = l.def.Resolve(l.def.Run.Plugins)
	}
	if dir != "" {
		set, err := plugin.LoadDir(ctx, dir, t, plugin.DefaultConfig())
		if err != nil {
			return nil, err
		}
		n.plugins = set
	}

	registry, err := providers.NewRegistry(t, renderer, n.plugins.Providers()...)
	if err != nil {
		_ = n.plugins.Close(ctx)
		return nil, err
	}
	n.registry = registry
	return n, nil
}

// Close releases the plugins and the transport.
func (n *node) Close(ctx context.Context) error {
	return errors.Join(n.plugins.Close(ctx), n.transport.Close())
}

// buildGraph orders the declarations.
func buildGraph(registry *engine.Registry, decls []engine.Declaration) (*engine.Graph, error) {
	b := engine.NewGraphBuilder(registry)
	if err := b.AddAll(decls); err != nil {
		return nil, err
	}
	return b.Build()
}

// newTelemetry builds the process telemetry from the flags. Logs go to w.
func (o *globalOptions) newTelemetry(w io.Writer) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = o.version
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	cfg.Logging.Writer = w
	cfg.Logging.Level = telemetry.ParseLevel(os.Getenv("LOG_LEVEL")).String()
	cfg.Metrics.ListenAddress = o.metricsAddr
	cfg.ResourceAttributes["target.host"] = o.hostName()
	if o.traceExporter != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = o.traceExporter
		cfg.Tracing.Endpoint = o.traceEndpoint
		cfg.Tracing.Writer = w
	}
	return telemetry.NewTelemetry(cfg)
}

// historyPath is the run history database, or "" when history is off.
func (o *globalOptions) historyPath(def *config.ParsedConfig) string {
	if o.noHistory {
		return ""
	}
	if o.history != "" {
		return o.history
	}
	return def.Resolve(def.Run.History)
}
