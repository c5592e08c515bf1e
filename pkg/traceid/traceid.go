// Package traceid generates and propagates the trace id that correlates a
// request across the API, the Event Bus and any Dispatcher job it causes,
// per spec §7's "trace id is attached in the response header and log
// lines" requirement.
package traceid

import (
	"context"

	"github.com/google/uuid"
)

// Header is the HTTP header a caller may set to supply their own trace id;
// the engine echoes it back on the response.
const Header = "X-Trace-Id"

type contextKey struct{}

// New generates a fresh trace id.
func New() string {
	return uuid.New().String()
}

// WithContext returns a context carrying id, retrievable with FromContext.
func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the trace id stored in ctx, or "" if none was set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
