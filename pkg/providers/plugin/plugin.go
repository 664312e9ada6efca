// Package plugin runs resource providers compiled to WebAssembly.
//
// A plugin is a manifest plus a WASM module. The module exports alloc, free,
// probe, apply and act and exchanges JSON documents with the host through its
// linear memory. Plugins reach the node only through host functions backed by
// the run's transport, and only for the capabilities their manifest requests.
//
// Probe receives the resource and returns {"state": {...}}. Diff is computed
// on the host: every desired property the probe reports is compared with the
// reported value, and properties the probe does not report are not checked.
// Apply receives the resource plus the changes; Act receives the resource and
// an action. Both return {} or {"error": "..."}.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/transports"
)

// Config contains configuration for the WASM host.
type Config struct {
	// Timeout bounds each call into the module.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32
}

// DefaultConfig returns the default host configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		MemoryLimitPages: 256,
	}
}

// Plugin is an engine.Provider backed by a WASM module.
type Plugin struct {
	manifest *Manifest
	runtime  wazero.Runtime
	bridge   *bridge
	logger   zerolog.Logger
}

var _ engine.Provider = (*Plugin)(nil)

// New instantiates wasm as the provider described by manifest. The checksum
// is verified before anything is compiled.
func New(ctx context.Context, manifest *Manifest, wasm []byte, t transports.Transport, cfg Config) (*Plugin, error) {
	if err := manifest.VerifyChecksum(wasm); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultConfig().MemoryLimitPages
	}

	logger := log.With().
		Str("component", "plugin").
		Str("plugin", manifest.Name).
		Str("version", manifest.Version).
		Logger()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	host := &hostCalls{manifest: manifest, transport: t, logger: logger}
	if err := host.register(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	module, err := rt.InstantiateWithConfig(ctx, wasm, wazero.NewModuleConfig().WithName(manifest.Name))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("plugin %s: failed to instantiate WASM module: %w", manifest.Name, err)
	}

	b, err := newBridge(module, cfg.Timeout)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("plugin %s: %w", manifest.Name, err)
	}

	logger.Debug().Str("type", manifest.Type).Strs("capabilities", manifest.Capabilities).Msg("Plugin loaded")
	return &Plugin{manifest: manifest, runtime: rt, bridge: b, logger: logger}, nil
}

// Load reads the module named by manifest and instantiates it.
func Load(ctx context.Context, manifest *Manifest, t transports.Transport, cfg Config) (*Plugin, error) {
	wasm, err := manifest.ReadModule()
	if err != nil {
		return nil, err
	}
	return New(ctx, manifest, wasm, t, cfg)
}

// Manifest returns the plugin manifest.
func (p *Plugin) Manifest() *Manifest { return p.manifest }

// Type implements engine.Provider.
func (p *Plugin) Type() string { return p.manifest.Type }

// Actions implements engine.Provider.
func (p *Plugin) Actions() []engine.Action { return p.manifest.EngineActions() }

type resourceDoc struct {
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Actions    []engine.Action        `json:"actions"`
	Properties map[string]interface{} `json:"properties"`
	Node       map[string]interface{} `json:"node,omitempty"`
}

func newResourceDoc(res *engine.Resource) resourceDoc {
	doc := resourceDoc{
		Type:       res.Type,
		Name:       res.Name,
		Actions:    res.Actions,
		Properties: res.Properties,
	}
	if res.View != nil {
		doc.Node = res.View.Tree()
	}
	return doc
}

type probeResponse struct {
	State engine.State `json:"state"`
	Error string       `json:"error,omitempty"`
}

type applyRequest struct {
	Resource resourceDoc     `json:"resource"`
	Changes  []engine.Change `json:"changes"`
}

type actRequest struct {
	Resource resourceDoc   `json:"resource"`
	Action   engine.Action `json:"action"`
}

type errorResponse struct {
	Error string `json:"error,omitempty"`
}

// Probe implements engine.Provider.
func (p *Plugin) Probe(ctx context.Context, res *engine.Resource) (engine.State, error) {
	var resp probeResponse
	if err := p.invoke(ctx, exportProbe, newResourceDoc(res), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("plugin %s: %s", p.manifest.Name, resp.Error)
	}
	if resp.State == nil {
		resp.State = engine.State{}
	}
	return resp.State, nil
}

// Diff implements engine.Provider by comparing each desired property the
// probe reported.
func (p *Plugin) Diff(res *engine.Resource, actual engine.State) []engine.Change {
	keys := make([]string, 0, len(res.Properties))
	for k := range res.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changes []engine.Change
	for _, k := range keys {
		have, reported := actual[k]
		if !reported {
			continue
		}
		want := res.Properties[k]
		if !sameJSON(want, have) {
			changes = append(changes, engine.Change{Property: k, Desired: want, Actual: have})
		}
	}
	return changes
}

// Apply implements engine.Provider.
func (p *Plugin) Apply(ctx context.Context, res *engine.Resource, changes []engine.Change) error {
	return p.invokeErr(ctx, exportApply, applyRequest{Resource: newResourceDoc(res), Changes: changes})
}

// Act implements engine.Provider.
func (p *Plugin) Act(ctx context.Context, res *engine.Resource, action engine.Action) error {
	return p.invokeErr(ctx, exportAct, actRequest{Resource: newResourceDoc(res), Action: action})
}

// Close releases the module and its runtime.
func (p *Plugin) Close(ctx context.Context) error {
	if err := p.bridge.close(ctx); err != nil {
		return err
	}
	return p.runtime.Close(ctx)
}

func (p *Plugin) invokeErr(ctx context.Context, fn string, req interface{}) error {
	var resp errorResponse
	if err := p.invoke(ctx, fn, req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("plugin %s: %s", p.manifest.Name, resp.Error)
	}
	return nil
}

func (p *Plugin) invoke(ctx context.Context, fn string, req, resp interface{}) error {
	in, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", fn, err)
	}
	out, err := p.bridge.call(ctx, fn, in)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", p.manifest.Name, err)
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("plugin %s: failed to unmarshal %s response: %w", p.manifest.Name, fn, err)
	}
	return nil
}

// sameJSON compares two values as they would appear on the wire, so 3 and
// 3.0 or []string and []interface{} compare equal.
func sameJSON(a, b interface{}) bool {
	var na, nb interface{}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	if json.Unmarshal(ja, &na) != nil || json.Unmarshal(jb, &nb) != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}
