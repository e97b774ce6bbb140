package audit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/entitle/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log writes a fully built event
	Log(ctx context.Context, event *AuditEvent) error

	// LogDecision records the outcome of a permission check about principal
	LogDecision(ctx context.Context, principal string, permissions []string, status EventStatus, message string) error

	// LogAdminAction records a write against the authorization model
	LogAdminAction(ctx context.Context, eventType EventType, resourceType ResourceType, resourceID string, message string) error

	// Close flushes and releases the sink
	Close() error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextkeys.AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context, or a NoopLogger
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoopLogger{}
}

// NoopLogger discards every event
type NoopLogger struct{}

func (NoopLogger) Log(context.Context, *AuditEvent) error { return nil }

func (NoopLogger) LogDecision(context.Context, string, []string, EventStatus, string) error {
	return nil
}

func (NoopLogger) LogAdminAction(context.Context, EventType, ResourceType, string, string) error {
	return nil
}

func (NoopLogger) Close() error { return nil }

// eventWriter is the single method a sink must provide; the typed helpers
// are shared through baseLogger
type eventWriter interface {
	Log(ctx context.Context, event *AuditEvent) error
}

type baseLogger struct {
	w eventWriter
}

func (b baseLogger) LogDecision(ctx context.Context, principal string, permissions []string, status EventStatus, message string) error {
	eventType := EventTypePermissionCheck
	if status == EventStatusDenied {
		eventType = EventTypeAccessDenied
	}
	event := NewEvent(ctx, nil, eventType, status)
	event.PrincipalID = principal
	event.Permissions = permissions
	event.ResourceType = ResourceTypePrincipal
	event.ResourceID = principal
	event.Message = message
	return b.w.Log(ctx, event)
}

func (b baseLogger) LogAdminAction(ctx context.Context, eventType EventType, resourceType ResourceType, resourceID string, message string) error {
	event := NewEvent(ctx, nil, eventType, EventStatusSuccess)
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Message = message
	return b.w.Log(ctx, event)
}

// NewEvent builds an event carrying the request and actor details found in
// ctx and r. r may be nil.
func NewEvent(ctx context.Context, r *http.Request, eventType EventType, status EventStatus) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		ActorID:   contextkeys.GetPrincipalID(ctx),
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
	if r != nil {
		event.IPAddress = clientIP(r)
		event.UserAgent = r.UserAgent()
		event.Method = r.Method
		event.Path = r.URL.Path
	}
	return event
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
