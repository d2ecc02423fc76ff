package mcp

import "context"

type connIDKey struct{}

// WithConnectionID tags ctx with the id of the client connection serving it.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnectionID returns the id set by WithConnectionID, or "".
func ConnectionID(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}
