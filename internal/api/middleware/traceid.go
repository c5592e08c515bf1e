// Package middleware holds cross-cutting Gin middleware shared by every
// route the engine exposes.
package middleware

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/mikhailov/birthday-engine/pkg/traceid"
)

// TraceID extracts the caller-supplied X-Trace-Id header or generates a
// fresh one, echoes it on the response, and stores it on the request
// context so handlers and everything they call (Sweeper, Event Bus,
// Dispatcher) can attach it to logs (spec §7).
func TraceID() ginext.HandlerFunc {
	return func(c *ginext.Context) {
		id := c.GetHeader(traceid.Header)
		if id == "" {
			id = traceid.New()
		}

		c.Writer.Header().Set(traceid.Header, id)
		c.Request = c.Request.WithContext(traceid.WithContext(c.Request.Context(), id))

		c.Next()
	}
}
