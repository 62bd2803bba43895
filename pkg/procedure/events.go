package procedure

import "context"

// EmitFunc forwards a progress message for the running procedure.
type EmitFunc func(level, message string)

type emitterKey struct{}

// WithEmitter attaches an event sink to ctx. Serve uses it to turn procedure
// progress into EVENT lines on the wire.
func WithEmitter(ctx context.Context, fn EmitFunc) context.Context {
	return context.WithValue(ctx, emitterKey{}, fn)
}

// Emit reports progress from inside a procedure. It is a no-op when the
// procedure is not running under Serve.
func Emit(ctx context.Context, level, message string) {
	if fn, ok := ctx.Value(emitterKey{}).(EmitFunc); ok && fn != nil {
		fn(level, message)
	}
}
