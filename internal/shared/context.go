package shared

import "context"

// Principal describes the authenticated actor resolved from an API token.
type Principal struct {
	UserID   int64
	TenantID int64
	Name     string
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}

// TenantFromContext returns the tenant scope of the current request, or zero.
func TenantFromContext(ctx context.Context) int64 {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.TenantID
	}
	return 0
}
