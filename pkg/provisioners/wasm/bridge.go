package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Required exports of a provisioner module.
const (
	exportMalloc    = "malloc"
	exportFree      = "free"
	exportProvision = "provision"
)

// bridge moves JSON payloads in and out of a module instance's linear memory.
type bridge struct {
	memory    api.Memory
	malloc    api.Function
	free      api.Function
	provision api.Function
}

func newBridge(module api.Module) (*bridge, error) {
	b := &bridge{
		memory:    module.Memory(),
		malloc:    module.ExportedFunction(exportMalloc),
		free:      module.ExportedFunction(exportFree),
		provision: module.ExportedFunction(exportProvision),
	}

	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	for name, fn := range map[string]api.Function{
		exportMalloc:    b.malloc,
		exportFree:      b.free,
		exportProvision: b.provision,
	} {
		if fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", name)
		}
	}
	return b, nil
}

// call invokes fn(input_ptr: u32, input_len: u32) -> u64 where the result
// packs (output_ptr << 32) | output_len. Output memory is owned by the
// module and released with free after it is copied out.
func (b *bridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer b.deallocate(ctx, ptr) //nolint:errcheck

		inputPtr = ptr
		inputLen = uint32(len(input))

		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)

	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("output [%d, +%d) is out of WASM memory range", outputPtr, outputLen)
	}
	// Read returns a view that later calls may overwrite.
	output := append([]byte(nil), view...)

	_ = b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
