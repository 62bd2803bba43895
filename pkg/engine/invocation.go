package engine

import "context"

// Invocation identifies the node a procedure call is made for. The executor
// attaches it to the context passed to ProcedureRuntime.Invoke.
type Invocation struct {
	RunID     string
	SmartCode string
	TenantID  string
	NodeID    string

	// IdempotencyKey is empty for compensation calls.
	IdempotencyKey string

	// Compensation is set when the call undoes NodeID during rollback.
	Compensation bool
}

type invocationKey struct{}

// WithInvocation returns a copy of ctx carrying inv.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation attached to ctx, if any.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}
