package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

const (
	// DefaultWASMTimeout bounds one module call when the context has no deadline.
	DefaultWASMTimeout = 30 * time.Second

	// DefaultWASMMemoryLimitPages caps linear memory at 16MB.
	DefaultWASMMemoryLimitPages = 256

	wasmExt = ".wasm"
)

// WASMConfig configures a WASMRuntime.
type WASMConfig struct {
	// Dir holds <run_code>.wasm modules. Optional when modules are registered directly.
	Dir string

	Timeout          time.Duration
	MemoryLimitPages uint32
}

// wasmRequest is the JSON document handed to a module's invoke export.
type wasmRequest struct {
	RunCode        string                 `json:"run_code"`
	Payload        map[string]interface{} `json:"payload"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	NodeID         string                 `json:"node_id,omitempty"`
	RunID          string                 `json:"run_id,omitempty"`
	Compensation   bool                   `json:"compensation,omitempty"`
}

// WASMRuntime runs procedures compiled to WebAssembly.
//
// A module exports memory, malloc(len) -> ptr, free(ptr) and
// invoke(ptr, len) -> u64, where the result packs (ptr<<32)|len of a JSON
// reply. The reply is either {"success":bool,"output":...,"error":"..."} or
// any other JSON value, which is taken as a successful output.
//
// Modules may import env.log(ptr, len) to write a log line. Each call runs in
// a fresh instance of the cached compiled module.
type WASMRuntime struct {
	cfg     WASMConfig
	logger  zerolog.Logger
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewWASMRuntime creates the wazero runtime with WASI and the env host module.
func NewWASMRuntime(ctx context.Context, cfg WASMConfig, logger zerolog.Logger) (*WASMRuntime, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWASMTimeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultWASMMemoryLimitPages
	}

	w := &WASMRuntime{
		cfg:      cfg,
		logger:   logger.With().Str("component", "wasm-runtime").Logger(),
		compiled: make(map[string]wazero.CompiledModule),
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	w.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, w.runtime); err != nil {
		w.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	_, err := w.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(w.hostLog).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		w.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return w, nil
}

func (w *WASMRuntime) hostLog(_ context.Context, m api.Module, ptr, length uint32) {
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		w.logger.Warn().Uint32("ptr", ptr).Uint32("len", length).Msg("Module log out of bounds")
		return
	}
	w.logger.Info().Str("module", m.Name()).Msg(string(data))
}

// Register compiles wasm and serves it for runCode. It takes precedence over Dir.
func (w *WASMRuntime) Register(ctx context.Context, runCode string, wasm []byte) error {
	compiled, err := w.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("failed to compile module for %s: %w", runCode, err)
	}
	if err := checkExports(compiled); err != nil {
		compiled.Close(ctx)
		return fmt.Errorf("module for %s: %w", runCode, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.compiled[normalize(runCode)]; ok {
		old.Close(ctx)
	}
	w.compiled[normalize(runCode)] = compiled
	return nil
}

func checkExports(compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return fmt.Errorf("does not export memory")
	}
	funcs := compiled.ExportedFunctions()
	for _, name := range []string{"malloc", "free", "invoke"} {
		if _, ok := funcs[name]; !ok {
			return fmt.Errorf("does not export %s function", name)
		}
	}
	return nil
}

func (w *WASMRuntime) module(ctx context.Context, runCode string) (wazero.CompiledModule, error) {
	w.mu.Lock()
	compiled, ok := w.compiled[normalize(runCode)]
	w.mu.Unlock()
	if ok {
		return compiled, nil
	}

	if w.cfg.Dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, runCode)
	}
	path := filepath.Join(w.cfg.Dir, runCode+wasmExt)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, runCode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", path, err)
	}
	if err := w.Register(ctx, runCode, data); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.compiled[normalize(runCode)], nil
}

// Invoke implements engine.ProcedureRuntime.
func (w *WASMRuntime) Invoke(ctx context.Context, runCode string, payload map[string]interface{}) (*engine.ProcedureResult, error) {
	compiled, err := w.module(ctx, runCode)
	if err != nil {
		return nil, err
	}

	inv, _ := engine.InvocationFrom(ctx)
	input, err := json.Marshal(wasmRequest{
		RunCode:        runCode,
		Payload:        payload,
		IdempotencyKey: inv.IdempotencyKey,
		NodeID:         inv.NodeID,
		RunID:          inv.RunID,
		Compensation:   inv.Compensation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	// Anonymous instances so concurrent calls do not collide on name.
	mod, err := w.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module for %s: %w", runCode, err)
	}
	defer mod.Close(context.Background())

	output, err := callInvoke(ctx, mod, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("module %s interrupted: %w", runCode, ctx.Err())
		}
		return nil, fmt.Errorf("module %s: %w", runCode, err)
	}
	return decodeWASMOutput(output)
}

// callInvoke writes input into module memory, calls invoke and copies the reply out.
func callInvoke(ctx context.Context, mod api.Module, input []byte) ([]byte, error) {
	memory := mod.Memory()
	malloc := mod.ExportedFunction("malloc")
	free := mod.ExportedFunction("free")
	invoke := mod.ExportedFunction("invoke")

	results, err := malloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return nil, fmt.Errorf("malloc returned null pointer")
	}
	inputPtr := uint32(results[0])
	defer free.Call(ctx, uint64(inputPtr)) //nolint:errcheck

	if !memory.Write(inputPtr, input) {
		return nil, fmt.Errorf("failed to write input to WASM memory")
	}

	results, err = invoke.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("invoke failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("invoke returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return nil, nil
	}

	view, ok := memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	output := make([]byte, len(view))
	copy(output, view)

	if outputPtr != inputPtr {
		if _, err := free.Call(ctx, uint64(outputPtr)); err != nil {
			return nil, fmt.Errorf("free failed: %w", err)
		}
	}
	return output, nil
}

// decodeWASMOutput maps a module reply to a procedure result.
func decodeWASMOutput(output []byte) (*engine.ProcedureResult, error) {
	if len(output) == 0 {
		return &engine.ProcedureResult{Success: true}, nil
	}
	if !json.Valid(output) {
		return nil, fmt.Errorf("module returned invalid JSON")
	}

	var envelope struct {
		Success *bool           `json:"success"`
		Output  json.RawMessage `json:"output"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(output, &envelope); err != nil || envelope.Success == nil {
		return &engine.ProcedureResult{Success: true, Output: json.RawMessage(output)}, nil
	}
	return &engine.ProcedureResult{
		Success: *envelope.Success,
		Output:  envelope.Output,
		Error:   envelope.Error,
	}, nil
}

// Close releases compiled modules and the runtime.
func (w *WASMRuntime) Close(ctx context.Context) error {
	w.mu.Lock()
	for code, compiled := range w.compiled {
		compiled.Close(ctx)
		delete(w.compiled, code)
	}
	w.mu.Unlock()
	return w.runtime.Close(ctx)
}
