package middleware

import (
	"context"

	"device-sessions/backend/internal/session/domain"

	"github.com/gin-gonic/gin"
)

type contextKey struct{ name string }

var principalKey = contextKey{"principal"}

// WithPrincipal returns a context carrying the authenticated caller.
// Handlers and services read it via PrincipalFrom.
func WithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal from context and true if set; otherwise nil, false.
func PrincipalFrom(ctx context.Context) (*domain.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*domain.Principal)
	return p, ok && p != nil
}

// Principal is PrincipalFrom on the request context of c.
func Principal(c *gin.Context) (*domain.Principal, bool) {
	return PrincipalFrom(c.Request.Context())
}
