package core

import "context"

type bindingKey struct{}

type invocationIDKey struct{}

// WithBinding returns a context carrying the binding whose listener is
// handling the current message. Listeners set it before calling middleware.
func WithBinding(ctx context.Context, b ComponentBinding) context.Context {
	return context.WithValue(ctx, bindingKey{}, b)
}

// BindingFromContext returns the binding stored by WithBinding.
func BindingFromContext(ctx context.Context) (ComponentBinding, bool) {
	b, ok := ctx.Value(bindingKey{}).(ComponentBinding)
	return b, ok
}

// WithInvocationID returns a context carrying a per-message invocation id
// used to correlate log lines.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey{}, id)
}

// InvocationIDFromContext returns the id stored by WithInvocationID, or "".
func InvocationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(invocationIDKey{}).(string)
	return id
}
