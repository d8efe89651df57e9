package auth

import (
	"context"
	"errors"

	"leasing-telephony/internal/tenancy"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
)

var (
	ErrNoUser = errors.New("user_id not in context")
	ErrNoRole = errors.New("role not in context")
)

// WithIdentity stores the caller in ctx. The tenant goes through tenancy so
// stores scope their queries without knowing about auth.
func WithIdentity(ctx context.Context, userID, tenantID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return tenancy.WithTenant(ctx, tenantID)
}

func UserID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxUserID).(string); ok && s != "" {
		return s, nil
	}
	return "", ErrNoUser
}

func Role(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxRole).(string); ok && s != "" {
		return s, nil
	}
	return "", ErrNoRole
}
