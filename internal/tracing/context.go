package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// UpdateIDKey is the context key for the Telegram update that started the work
	UpdateIDKey ContextKey = "update_id"
	// SessionKeyKey is the context key for the live session key ("<chat>:<message>")
	SessionKeyKey ContextKey = "session_key"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	UpdateID   int
	SessionKey string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithUpdateID adds a Telegram update ID to the context
func WithUpdateID(ctx context.Context, updateID int) context.Context {
	return context.WithValue(ctx, UpdateIDKey, updateID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetUpdateID retrieves the update ID from the context, 0 if absent
func GetUpdateID(ctx context.Context) int {
	if updateID, ok := ctx.Value(UpdateIDKey).(int); ok {
		return updateID
	}
	return 0
}

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string {
	if sessionKey, ok := ctx.Value(SessionKeyKey).(string); ok {
		return sessionKey
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		UpdateID:   GetUpdateID(ctx),
		SessionKey: GetSessionKey(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.UpdateID != 0 {
		ctx = WithUpdateID(ctx, tc.UpdateID)
	}
	if tc.SessionKey != "" {
		ctx = WithSessionKey(ctx, tc.SessionKey)
	}
	return ctx
}

// NewUpdateContext creates a context for one inbound Telegram update with a fresh trace ID
func NewUpdateContext(ctx context.Context, updateID int) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	return WithUpdateID(ctx, updateID)
}
