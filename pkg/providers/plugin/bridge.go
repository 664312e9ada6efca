package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// Exports every plugin module must provide. The provider functions share one
// signature: fn(input_ptr: u32, input_len: u32) -> u64, where the result packs
// (output_ptr << 32) | output_len. Input and output are JSON documents in the
// module's linear memory; the host frees the output with free.
const (
	exportAlloc = "alloc"
	exportFree  = "free"
	exportProbe = "probe"
	exportApply = "apply"
	exportAct   = "act"
)

// bridge calls into a plugin module. A module instance is not safe for
// concurrent use, so calls are serialized.
type bridge struct {
	mu      sync.Mutex
	module  api.Module
	memory  api.Memory
	alloc   api.Function
	free    api.Function
	fns     map[string]api.Function
	timeout time.Duration
}

func newBridge(module api.Module, timeout time.Duration) (*bridge, error) {
	b := &bridge{
		module:  module,
		timeout: timeout,
		fns:     make(map[string]api.Function),
	}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	b.alloc = module.ExportedFunction(exportAlloc)
	if b.alloc == nil {
		return nil, fmt.Errorf("WASM module does not export %s function", exportAlloc)
	}
	b.free = module.ExportedFunction(exportFree)
	if b.free == nil {
		return nil, fmt.Errorf("WASM module does not export %s function", exportFree)
	}

	for _, name := range []string{exportProbe, exportApply, exportAct} {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", name)
		}
		b.fns[name] = fn
	}
	return b, nil
}

// call runs an exported provider function with input and returns its output.
func (b *bridge) call(ctx context.Context, name string, input []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fn, ok := b.fns[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin function %s", name)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var inPtr, inLen uint32
	if len(input) > 0 {
		ptr, err := writeGuest(ctx, b.module, input)
		if err != nil {
			return nil, err
		}
		defer b.free.Call(ctx, uint64(ptr))
		inPtr, inLen = ptr, uint32(len(input))
	}

	results, err := fn.Call(ctx, uint64(inPtr), uint64(inLen))
	if err != nil {
		return nil, fmt.Errorf("%s: WASM function call failed: %w", name, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s: WASM function returned no results", name)
	}

	outPtr, outLen := unpack(results[0])
	if outLen == 0 {
		return []byte("{}"), nil
	}
	view, ok := b.memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("%s: output out of range of WASM memory", name)
	}
	// Read returns a view into guest memory, which free may reuse.
	output := append([]byte(nil), view...)
	_, _ = b.free.Call(ctx, uint64(outPtr))
	return output, nil
}

func (b *bridge) close(ctx context.Context) error {
	return b.module.Close(ctx)
}

// writeGuest copies data into memory allocated by the module's alloc export.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	alloc := mod.ExportedFunction(exportAlloc)
	if alloc == nil {
		return 0, fmt.Errorf("WASM module does not export %s function", exportAlloc)
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("alloc returned null pointer")
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes to WASM memory", len(data))
	}
	return ptr, nil
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}
