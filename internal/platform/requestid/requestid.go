// Package requestid correlates one operator action or HTTP request across logs and
// the deployment audit trail.
package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type ctxKey struct{}

func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}

// Ensure returns ctx carrying a request id, minting one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id, ok := FromContext(ctx); ok {
		return ctx, id
	}
	id := New()
	return WithContext(ctx, id), id
}
