package auth

import "context"

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by the middleware, or nil.
func FromContext(ctx context.Context) *Identity {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok {
		return nil
	}
	return &id
}
