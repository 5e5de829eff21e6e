package shared

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type of the request context keys set by the API layer.
type ContextKey string

// TraceIDKey carries the trace id of a request.
const TraceIDKey ContextKey = "traceID"

// SetTraceID returns ctx carrying traceID, or a fresh one when traceID is empty.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace id of ctx, or "".
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// NewTraceID returns a random 32 character hex id.
func NewTraceID() string {
	id := uuid.New()
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
