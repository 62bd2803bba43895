package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// ErrUnknownProcedure is returned when no runtime serves a run code.
var ErrUnknownProcedure = errors.New("unknown procedure")

// HandlerFunc implements a procedure in-process. The returned value is
// marshaled to JSON as the procedure output; a returned error marks the
// procedure as failed.
type HandlerFunc func(ctx context.Context, payload map[string]interface{}) (interface{}, error)

// Registry is an in-process ProcedureRuntime backed by a map of handlers.
// Run codes match case-insensitively.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func normalize(runCode string) string {
	return strings.ToUpper(strings.TrimSpace(runCode))
}

// Register adds a handler. Registering a run code twice is an error.
func (r *Registry) Register(runCode string, fn HandlerFunc) error {
	if runCode == "" || fn == nil {
		return fmt.Errorf("run code and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalize(runCode)
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("procedure %s already registered", runCode)
	}
	r.handlers[key] = fn
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(runCode string, fn HandlerFunc) {
	if err := r.Register(runCode, fn); err != nil {
		panic(err)
	}
}

// Has reports whether runCode has a handler.
func (r *Registry) Has(runCode string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[normalize(runCode)]
	return ok
}

// Codes returns the registered run codes, sorted.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.handlers))
	for code := range r.handlers {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Invoke implements engine.ProcedureRuntime.
func (r *Registry) Invoke(ctx context.Context, runCode string, payload map[string]interface{}) (*engine.ProcedureResult, error) {
	r.mu.RLock()
	fn, ok := r.handlers[normalize(runCode)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, runCode)
	}

	out, err := fn(ctx, payload)
	if err != nil {
		return &engine.ProcedureResult{Success: false, Error: err.Error()}, nil
	}
	return succeeded(out)
}

// succeeded wraps a handler output as a successful result.
func succeeded(out interface{}) (*engine.ProcedureResult, error) {
	if out == nil {
		return &engine.ProcedureResult{Success: true}, nil
	}
	if raw, ok := out.(json.RawMessage); ok {
		return &engine.ProcedureResult{Success: true, Output: raw}, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal procedure output: %w", err)
	}
	return &engine.ProcedureResult{Success: true, Output: data}, nil
}
