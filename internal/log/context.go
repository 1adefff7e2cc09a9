// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	correlationIDKey ctxKey = "correlation_id"
	messageIDKey     ctxKey = "message_id"
)

// ContextWithCorrelationID stores the provided correlation ID in the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// ContextWithMessageID stores the in-flight message ID in the context.
func ContextWithMessageID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, messageIDKey, id)
}

// CorrelationIDFromContext extracts the correlation ID from context if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// MessageIDFromContext extracts the message ID from context if present.
func MessageIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(messageIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns a logger annotated with any IDs found in ctx.
func FromContext(ctx context.Context, component string) zerolog.Logger {
	l := WithComponent(component)
	lctx := l.With()
	if id := CorrelationIDFromContext(ctx); id != "" {
		lctx = lctx.Str(FieldCorrelationID, id)
	}
	if id := MessageIDFromContext(ctx); id != "" {
		lctx = lctx.Str(FieldMessageID, id)
	}
	return lctx.Logger()
}
