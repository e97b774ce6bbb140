// Package contextkeys defines the context keys shared across packages.
//
// Keys live here so that middleware, handlers and loggers agree on them
// without importing each other:
//
//	ctx = contextkeys.WithPrincipalID(ctx, id.String())
//	id := contextkeys.GetPrincipalID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey holds the authenticated principal UUID as a string.
	// Set by middleware.PrincipalAuthenticator.
	PrincipalKey Key = "principal_id"

	// ClaimsKey holds the verified token claims (map[string]interface{}).
	// Set by middleware.PrincipalAuthenticator in OIDC mode.
	ClaimsKey Key = "claims"

	// RequestIDKey holds the request ID string
	RequestIDKey Key = "request_id"

	// LoggerKey holds *observability.Logger
	LoggerKey Key = "logger"

	// AuditLoggerKey holds audit.Logger
	AuditLoggerKey Key = "audit_logger"
)

// WithPrincipalID stores the authenticated principal
func WithPrincipalID(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// GetPrincipalID returns the authenticated principal, or ""
func GetPrincipalID(ctx context.Context) string {
	if principal, ok := ctx.Value(PrincipalKey).(string); ok {
		return principal
	}
	return ""
}

// WithClaims stores verified token claims
func WithClaims(ctx context.Context, claims map[string]interface{}) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetClaims returns verified token claims, or nil
func GetClaims(ctx context.Context) map[string]interface{} {
	if claims, ok := ctx.Value(ClaimsKey).(map[string]interface{}); ok {
		return claims
	}
	return nil
}

// WithRequestID stores the request ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID returns the request ID, or ""
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
