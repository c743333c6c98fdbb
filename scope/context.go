package scope

import "context"

type scopeContextKey struct{}

// NewContextWithScope returns a new context carrying sc as the caller's
// ambient isolation scope.
func NewContextWithScope(ctx context.Context, sc *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, sc)
}

// FromContext returns the scope associated with ctx, or nil if the caller
// has none.
func FromContext(ctx context.Context) *Scope {
	sc, _ := ctx.Value(scopeContextKey{}).(*Scope)
	return sc
}
