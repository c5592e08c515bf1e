// Package router wires the Manual Trigger endpoint into a ginext.Engine
// the same way the teacher's router wires its notification handlers.
package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/mikhailov/birthday-engine/internal/api/handlers/manualtrigger"
	"github.com/mikhailov/birthday-engine/internal/api/middleware"
)

// New builds the engine's HTTP router.
func New(trigger *manualtrigger.Handler) *ginext.Engine {
	e := ginext.New()
	e.Use(middleware.TraceID())
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	manual := e.Group("/manual")
	{
		manual.POST("/send-birthday-message", trigger.Trigger)
	}

	return e
}
