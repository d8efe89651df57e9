package tenancy

import "context"

type ctxKey struct{}

// WithTenant scopes ctx to a tenant. Empty ids leave ctx unchanged.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// TenantID returns the tenant ctx is scoped to, or "".
func TenantID(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKey{}).(string); ok {
		return s
	}
	return ""
}
