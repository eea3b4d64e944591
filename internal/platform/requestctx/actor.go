// Package requestctx carries per-record request context (actor identity and
// trace correlation) through dispatch without ambient globals.
package requestctx

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// actorContextKey is the context key for the acting user of an event.
type actorContextKey struct{}

// WithActor stores the actor identifier in context.
func WithActor(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor identifier stored in context.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(actorContextKey{}).(string)
	return value
}

// TraceIDFromContext returns the active span's trace id, or "" when the
// context carries no sampled span.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.HasTraceID() {
		return ""
	}
	return spanContext.TraceID().String()
}
