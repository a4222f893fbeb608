// Package logging provides the structured logger the cache core's fsm.Logger
// and offload.Manager hooks write through. It keeps the teacher's approach
// (stdlib log.Logger, JSON lines, google/uuid request IDs propagated via
// context.Context) rather than adopting a third-party logging library the
// example pack never reaches for.
package logging

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// StructuredLogger emits JSON-lines log entries at Trace/Warn/Error levels,
// satisfying fsm.Logger and offload.Manager's logging hook.
type StructuredLogger struct {
	out   *log.Logger
	trace bool
}

// New returns a StructuredLogger writing to stderr. traceEnabled gates
// whether Trace calls are emitted at all — trace-level logging (composition
// branch decisions and the access-log line of every successful request) is
// noisy enough that it should default to off outside debugging sessions.
func New(traceEnabled bool) *StructuredLogger {
	return &StructuredLogger{out: log.New(os.Stderr, "", 0), trace: traceEnabled}
}

// WithRequestID returns a context carrying requestID for later retrieval by
// RequestIDFromContext.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// NewRequestID mints a fresh request ID and attaches it to ctx.
func NewRequestID(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// RequestIDFromContext retrieves the request ID attached by WithRequestID,
// or "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (l *StructuredLogger) Trace(msg string, fields map[string]any) {
	if !l.trace {
		return
	}
	l.emit("TRACE", msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]any) {
	l.emit("WARN", msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields map[string]any) {
	l.emit("ERROR", msg, fields)
}

func (l *StructuredLogger) emit(level, msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = level
	entry["message"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		l.out.Printf("[%s] failed to marshal log entry: %v (message=%q)", level, err, msg)
		return
	}
	l.out.Printf("[%s] %s", level, string(data))
}
