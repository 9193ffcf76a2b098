// Package requestctx provides request-scoped values (tenant slug, acting
// operator) set by server middleware and read by handlers.
package requestctx

import "context"

type contextKey struct{ name string }

var (
	tenantKey = &contextKey{"tenant"}
	actorKey  = &contextKey{"actor"}
)

// SetTenant stores the authenticated tenant slug in the context.
func SetTenant(ctx context.Context, tenantSlug string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantSlug)
}

// Tenant returns the tenant slug from context, or "" if not set.
func Tenant(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

// SetActor stores the acting operator identity (API key label) in the context.
// The kill-switch audit trail records it.
func SetActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// Actor returns the operator identity from context, or "" if not set.
func Actor(ctx context.Context) string {
	v, _ := ctx.Value(actorKey).(string)
	return v
}
