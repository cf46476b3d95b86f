// Package wasm implements a provisioner backed by a WebAssembly module run
// in wazero.
//
// A module exports memory plus
//
//	malloc(size: u32) -> u32
//	free(ptr: u32)
//	provision(req_ptr: u32, req_len: u32) -> u64
//
// provision receives a JSON request {"group", "inputs", "tags"} and returns
// (resp_ptr << 32) | resp_len pointing at a JSON response
// {"outputs": {...}, "error": "...", "retryable": false}.
// Modules may import env.log(ptr, len) to write to the host log.
//
// Every Apply runs in a fresh instance of the compiled module, so calls for
// sibling groups do not share memory.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/cascade/pkg/engine"
)

// Config tunes the WASM runtime.
type Config struct {
	// Timeout bounds a single provision call. Zero means 30s.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory in 64KiB pages. Zero means 256
	// (16MiB).
	MemoryLimitPages uint32
}

type request struct {
	Group  string            `json:"group"`
	Inputs map[string]any    `json:"inputs"`
	Tags   map[string]string `json:"tags"`
}

type response struct {
	Outputs   map[string]any `json:"outputs"`
	Error     string         `json:"error,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// Provisioner applies groups by calling a module's provision export.
type Provisioner struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
	logger   zerolog.Logger
}

var _ engine.Provisioner = (*Provisioner)(nil)

// Load reads and compiles the module at path.
func Load(ctx context.Context, path string, cfg Config, logger zerolog.Logger) (*Provisioner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	return New(ctx, path, data, cfg, logger)
}

// New compiles module and prepares the runtime. Close releases it.
func New(ctx context.Context, name string, module []byte, cfg Config, logger zerolog.Logger) (*Provisioner, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	logger = logger.With().Str("component", "wasm-provisioner").Str("module", name).Logger()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if _, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				logger.Warn().Uint32("ptr", ptr).Uint32("len", length).Msg("Module log out of memory range")
				return
			}
			logger.Info().Msg(string(msg))
		}).
		Export("log").
		Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	exports := compiled.ExportedFunctions()
	for _, fn := range []string{exportMalloc, exportFree, exportProvision} {
		if _, ok := exports[fn]; !ok {
			runtime.Close(ctx)
			return nil, fmt.Errorf("WASM module does not export %s function", fn)
		}
	}

	return &Provisioner{
		name:     name,
		runtime:  runtime,
		compiled: compiled,
		timeout:  cfg.Timeout,
		logger:   logger,
	}, nil
}

// Apply instantiates the module and calls provision.
func (p *Provisioner) Apply(ctx context.Context, group string, inputs map[string]any, tags map[string]string) (map[string]any, error) {
	req, err := json.Marshal(request{Group: group, Inputs: inputs, Tags: tags})
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode provision request", err).WithResource(group)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// An empty name lets sibling groups instantiate concurrently.
	instance, err := p.runtime.InstantiateModule(ctx, p.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"))
	if err != nil {
		return nil, p.callError(ctx, group, "failed to instantiate WASM module", err)
	}
	defer instance.Close(context.Background())

	b, err := newBridge(instance)
	if err != nil {
		return nil, engine.NewPermanentError("invalid WASM module", err).WithResource(group)
	}

	start := time.Now()
	raw, err := b.call(ctx, b.provision, req)
	if err != nil {
		return nil, p.callError(ctx, group, "provision call failed", err)
	}
	p.logger.Debug().Str("group", group).Dur("duration", time.Since(start)).Int("response_bytes", len(raw)).Msg("Module provisioned group")

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, engine.NewPermanentError("failed to decode provision response", err).WithResource(group)
	}
	if resp.Error != "" {
		cause := fmt.Errorf("%s", resp.Error)
		if resp.Retryable {
			return nil, engine.NewTransientError("module reported retryable failure", cause).WithResource(group)
		}
		return nil, engine.NewPermanentError("module reported failure", cause).WithResource(group)
	}
	if resp.Outputs == nil {
		resp.Outputs = map[string]any{}
	}
	return resp.Outputs, nil
}

// callError keeps context errors visible to the orchestrator's timeout and
// cancellation classification.
func (p *Provisioner) callError(ctx context.Context, group, msg string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", msg, ctxErr)
	}
	return engine.NewPermanentError(msg, err).WithResource(group)
}

// Close releases the runtime and every compiled artifact.
func (p *Provisioner) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}
