// Package reqid carries the request correlation ID through contexts.
package reqid

import "context"

type key struct{}

// With returns a copy of ctx carrying id.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key{}, id)
}

// From returns the request ID in ctx, if any.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(key{}).(string)
	return s, ok && s != ""
}
