package shared

import "context"

type principalContextKey struct{}

// ContextWithPrincipal stores the authenticated member id in context.
// This carries the HTTP layer's authentication result only; the
// authorization evaluator always receives the principal as an explicit
// argument and never reads it from context.
func ContextWithPrincipal(ctx context.Context, memberID string) context.Context {
	return context.WithValue(ctx, principalContextKey{}, memberID)
}

// PrincipalFromContext extracts the authenticated member id, if any.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalContextKey{}).(string)
	return id, ok && id != ""
}
