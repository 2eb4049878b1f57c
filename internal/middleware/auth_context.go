package middleware

import (
	"context"
	"time"
)

type contextKey string

const (
	AdminContextKey contextKey = "admin_context"
)

// AdminContext holds the authenticated operator behind an admin request.
type AdminContext struct {
	Subject   string
	TokenID   string // jti
	ExpiresAt time.Time
}

func GetAdminContext(ctx context.Context) (*AdminContext, bool) {
	val, ok := ctx.Value(AdminContextKey).(*AdminContext)
	return val, ok
}

func WithAdminContext(ctx context.Context, ac *AdminContext) context.Context {
	return context.WithValue(ctx, AdminContextKey, ac)
}
