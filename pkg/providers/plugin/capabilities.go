package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/convergo/pkg/transports"
)

// hostCalls backs the functions a plugin imports from the "env" module. Each
// takes a JSON request and returns a JSON response; failures are reported in
// the response's "error" field, never as traps.
type hostCalls struct {
	manifest  *Manifest
	transport transports.Transport
	logger    zerolog.Logger
}

type commandRequest struct {
	Args []string          `json:"args"`
	Dir  string            `json:"dir,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

type commandResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

type fileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

type fileResponse struct {
	Content string `json:"content,omitempty"`
	Exists  bool   `json:"exists"`
	Error   string `json:"error,omitempty"`
}

type logRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (h *hostCalls) require(capability string) error {
	if !h.manifest.HasCapability(capability) {
		return fmt.Errorf("plugin %s lacks capability %s", h.manifest.Name, capability)
	}
	return nil
}

func (h *hostCalls) runCommand(ctx context.Context, in []byte) interface{} {
	if err := h.require(CapabilityExec); err != nil {
		return commandResponse{ExitCode: -1, Error: err.Error()}
	}
	var req commandRequest
	if err := json.Unmarshal(in, &req); err != nil {
		return commandResponse{ExitCode: -1, Error: fmt.Sprintf("invalid request: %v", err)}
	}
	if len(req.Args) == 0 {
		return commandResponse{ExitCode: -1, Error: "empty command"}
	}

	res, err := h.transport.Run(ctx, transports.Command{Args: req.Args, Dir: req.Dir, Env: req.Env})
	if err != nil {
		return commandResponse{ExitCode: -1, Error: err.Error()}
	}
	return commandResponse{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
}

func (h *hostCalls) readFile(ctx context.Context, in []byte) interface{} {
	if err := h.require(CapabilityFSRead); err != nil {
		return fileResponse{Error: err.Error()}
	}
	var req fileRequest
	if err := json.Unmarshal(in, &req); err != nil {
		return fileResponse{Error: fmt.Sprintf("invalid request: %v", err)}
	}
	if isSensitiveFile(req.Path) {
		return fileResponse{Error: fmt.Sprintf("access to %s is denied", req.Path)}
	}

	data, err := h.transport.ReadFile(ctx, req.Path)
	switch {
	case err == nil:
		return fileResponse{Content: string(data), Exists: true}
	case errors.Is(err, fs.ErrNotExist):
		return fileResponse{Exists: false}
	default:
		return fileResponse{Error: err.Error()}
	}
}

func (h *hostCalls) writeFile(ctx context.Context, in []byte) interface{} {
	if err := h.require(CapabilityFSWrite); err != nil {
		return fileResponse{Error: err.Error()}
	}
	var req fileRequest
	if err := json.Unmarshal(in, &req); err != nil {
		return fileResponse{Error: fmt.Sprintf("invalid request: %v", err)}
	}
	if isSensitiveFile(req.Path) {
		return fileResponse{Error: fmt.Sprintf("access to %s is denied", req.Path)}
	}

	mode := fs.FileMode(0o644)
	if req.Mode != "" {
		var m uint32
		if _, err := fmt.Sscanf(req.Mode, "%o", &m); err != nil {
			return fileResponse{Error: fmt.Sprintf("invalid mode %q", req.Mode)}
		}
		mode = fs.FileMode(m)
	}
	if err := h.transport.WriteFile(ctx, req.Path, []byte(req.Content), mode); err != nil {
		return fileResponse{Error: err.Error()}
	}
	return fileResponse{Exists: true}
}

func (h *hostCalls) log(_ context.Context, in []byte) interface{} {
	var req logRequest
	if err := json.Unmarshal(in, &req); err != nil {
		return struct{}{}
	}
	level, err := zerolog.ParseLevel(req.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	h.logger.WithLevel(level).Msg(req.Message)
	return struct{}{}
}

// register exports the host calls to the "env" module.
func (h *hostCalls) register(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder("env")
	for name, fn := range map[string]func(context.Context, []byte) interface{}{
		"run_command": h.runCommand,
		"read_file":   h.readFile,
		"write_file":  h.writeFile,
		"log":         h.log,
	} {
		builder = builder.NewFunctionBuilder().
			WithFunc(hostFunc(fn)).
			Export(name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

// hostFunc adapts a JSON handler to the fn(ptr, len) -> packed ABI. A zero
// result means the response could not be handed back to the guest.
func hostFunc(handler func(context.Context, []byte) interface{}) func(context.Context, api.Module, uint32, uint32) uint64 {
	return func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
		in, ok := mod.Memory().Read(ptr, length)
		if !ok {
			return 0
		}
		out, err := json.Marshal(handler(ctx, append([]byte(nil), in...)))
		if err != nil {
			return 0
		}
		outPtr, err := writeGuest(ctx, mod, out)
		if err != nil {
			return 0
		}
		return pack(outPtr, uint32(len(out)))
	}
}

// isSensitiveFile checks if a file path is sensitive and should be restricted.
func isSensitiveFile(path string) bool {
	sensitivePaths := []string{
		"/etc/shadow",
		"/etc/gshadow",
		"/etc/sudoers",
		"/root/.ssh",
		"/.aws/credentials",
		"/.kube/config",
	}

	cleanPath := filepath.Clean(path)
	for _, sensitive := range sensitivePaths {
		if strings.Contains(cleanPath, sensitive) {
			return true
		}
	}
	return false
}
