package tools

import "context"

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	tenantIDKey  contextKey = "tenant_id"
)

// WithSession adds the calling session and tenant to the context so
// tool handlers can scope their work.
func WithSession(ctx context.Context, sessionID, tenantID string) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// SessionIDFromContext extracts the session ID, or "" if unset.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// TenantIDFromContext extracts the tenant ID, or "" if unset.
func TenantIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantIDKey).(string)
	return id
}
