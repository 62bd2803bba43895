package procedure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

const (
	// DefaultStarlarkTimeout bounds a script call when the context has no deadline.
	DefaultStarlarkTimeout = 30 * time.Second

	// DefaultStarlarkMaxSteps bounds the computation of a single call.
	DefaultStarlarkMaxSteps = 10_000_000

	starlarkEntryPoint = "run"
	starlarkExt        = ".star"
)

// StarlarkConfig configures a StarlarkRuntime.
type StarlarkConfig struct {
	// Dir holds <run_code>.star scripts. Optional when scripts are registered directly.
	Dir string

	Timeout  time.Duration
	MaxSteps uint64
}

// StarlarkRuntime runs procedures written as Starlark scripts. A script
// defines run(payload) and returns None, a value, or a dict. A dict with
// ok=False, or a call to fail(), marks the procedure as failed.
//
// Scripts see the predeclared modules struct and json, a log(msg) builtin,
// and an invocation struct describing the calling node.
type StarlarkRuntime struct {
	cfg    StarlarkConfig
	logger zerolog.Logger

	mu      sync.RWMutex
	sources map[string]string
}

// NewStarlarkRuntime creates a Starlark procedure runtime.
func NewStarlarkRuntime(cfg StarlarkConfig, logger zerolog.Logger) *StarlarkRuntime {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultStarlarkTimeout
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = DefaultStarlarkMaxSteps
	}
	return &StarlarkRuntime{
		cfg:     cfg,
		logger:  logger.With().Str("component", "starlark-runtime").Logger(),
		sources: make(map[string]string),
	}
}

// Register adds an in-memory script for runCode. It takes precedence over Dir.
func (s *StarlarkRuntime) Register(runCode, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[normalize(runCode)] = source
}

// Has reports whether a script exists for runCode.
func (s *StarlarkRuntime) Has(runCode string) bool {
	_, _, err := s.source(runCode)
	return err == nil
}

func (s *StarlarkRuntime) source(runCode string) (string, string, error) {
	s.mu.RLock()
	src, ok := s.sources[normalize(runCode)]
	s.mu.RUnlock()
	if ok {
		return runCode + starlarkExt, src, nil
	}

	if s.cfg.Dir == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownProcedure, runCode)
	}
	path := filepath.Join(s.cfg.Dir, runCode+starlarkExt)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownProcedure, runCode)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return path, string(data), nil
}

// Invoke implements engine.ProcedureRuntime.
func (s *StarlarkRuntime) Invoke(ctx context.Context, runCode string, payload map[string]interface{}) (*engine.ProcedureResult, error) {
	filename, src, err := s.source(runCode)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	log := s.logger.With().Str("run_code", runCode).Logger()
	thread := &starlark.Thread{
		Name: runCode,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(s.cfg.MaxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFile(thread, filename, src, s.predeclared(ctx, log))
	if err != nil {
		return nil, fmt.Errorf("failed to load script for %s: %w", runCode, err)
	}

	entry, ok := globals[starlarkEntryPoint].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script for %s does not define %s(payload)", runCode, starlarkEntryPoint)
	}

	normalized, err := normalizePayload(payload)
	if err != nil {
		return nil, err
	}
	arg, err := toStarlarkValue(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to convert payload: %w", err)
	}

	value, err := starlark.Call(thread, entry, starlark.Tuple{arg}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("script %s interrupted: %w", runCode, ctx.Err())
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return &engine.ProcedureResult{Success: false, Error: strings.TrimPrefix(evalErr.Msg, "fail: ")}, nil
		}
		return &engine.ProcedureResult{Success: false, Error: err.Error()}, nil
	}

	return scriptResult(value)
}

// scriptResult maps the value returned by run(payload) to a procedure result.
func scriptResult(value starlark.Value) (*engine.ProcedureResult, error) {
	out, err := fromStarlarkValue(value)
	if err != nil {
		return nil, fmt.Errorf("failed to convert script result: %w", err)
	}

	if dict, ok := out.(map[string]interface{}); ok {
		if okVal, present := dict["ok"]; present {
			if b, isBool := okVal.(bool); isBool && !b {
				msg, _ := dict["error"].(string)
				if msg == "" {
					msg = "procedure reported failure"
				}
				return &engine.ProcedureResult{Success: false, Error: msg}, nil
			}
		}
	}
	return succeeded(out)
}

func (s *StarlarkRuntime) predeclared(ctx context.Context, log zerolog.Logger) starlark.StringDict {
	inv, _ := engine.InvocationFrom(ctx)
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkjson.Module,
		"log": starlark.NewBuiltin("log", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var msg string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
				return nil, err
			}
			log.Info().Msg(msg)
			return starlark.None, nil
		}),
		"invocation": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"run_id":          starlark.String(inv.RunID),
			"smart_code":      starlark.String(inv.SmartCode),
			"tenant_id":       starlark.String(inv.TenantID),
			"node_id":         starlark.String(inv.NodeID),
			"idempotency_key": starlark.String(inv.IdempotencyKey),
			"compensation":    starlark.Bool(inv.Compensation),
		}),
	}
}
