// Package context holds the request-scoped values the client threads
// through a call. It is separate from the client package to avoid import cycles.
package context

import (
	stdctx "context"
)

type requestIDKey struct{}

// debugCallbackKey is the type used as a context key for storing debug callbacks.
type debugCallbackKey struct{}

// WithRequestID attaches a logical call id to the context.
func WithRequestID(ctx stdctx.Context, id string) stdctx.Context {
	return stdctx.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the call id stored in ctx, or "".
func RequestID(ctx stdctx.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithDebugCallback adds a debug callback function to the context.
// The client calls it with every raw vendor payload it receives.
func WithDebugCallback(ctx stdctx.Context, cb func(string)) stdctx.Context {
	return stdctx.WithValue(ctx, debugCallbackKey{}, cb)
}

// GetDebugCallback retrieves a debug callback function from the context.
// Returns the callback and a bool indicating if it was set.
func GetDebugCallback(ctx stdctx.Context) (func(string), bool) {
	cb, ok := ctx.Value(debugCallbackKey{}).(func(string))
	return cb, ok && cb != nil
}
