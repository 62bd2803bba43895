package procedure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

type route struct {
	prefix  string
	runtime engine.ProcedureRuntime
}

// Router dispatches run codes to runtimes by prefix. The longest matching
// prefix wins; unmatched run codes go to the fallback.
type Router struct {
	routes   []route
	fallback engine.ProcedureRuntime
}

// NewRouter creates a router. fallback may be nil.
func NewRouter(fallback engine.ProcedureRuntime) *Router {
	return &Router{fallback: fallback}
}

// Route sends run codes starting with prefix (case-insensitive) to rt.
func (r *Router) Route(prefix string, rt engine.ProcedureRuntime) *Router {
	r.routes = append(r.routes, route{prefix: normalize(prefix), runtime: rt})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	return r
}

// Lookup returns the runtime serving runCode.
func (r *Router) Lookup(runCode string) (engine.ProcedureRuntime, bool) {
	code := normalize(runCode)
	for _, rt := range r.routes {
		if strings.HasPrefix(code, rt.prefix) {
			return rt.runtime, true
		}
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Invoke implements engine.ProcedureRuntime.
func (r *Router) Invoke(ctx context.Context, runCode string, payload map[string]interface{}) (*engine.ProcedureResult, error) {
	rt, ok := r.Lookup(runCode)
	if !ok {
		return nil, fmt.Errorf("%w: no route for %s", ErrUnknownProcedure, runCode)
	}
	return rt.Invoke(ctx, runCode, payload)
}

// Chain tries each runtime in order and moves on while a runtime reports
// ErrUnknownProcedure. Any other outcome is final.
type Chain []engine.ProcedureRuntime

// Invoke implements engine.ProcedureRuntime.
func (c Chain) Invoke(ctx context.Context, runCode string, payload map[string]interface{}) (*engine.ProcedureResult, error) {
	for _, rt := range c {
		result, err := rt.Invoke(ctx, runCode, payload)
		if errors.Is(err, ErrUnknownProcedure) {
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, runCode)
}
