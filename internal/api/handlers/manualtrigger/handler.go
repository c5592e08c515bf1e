// Package manualtrigger implements the Manual Trigger operator endpoint of
// spec §4.7: it forces the Hourly Sweeper's dispatch phase to run
// immediately regardless of clock, for the "recipient created on their
// birthday after 09:00 local" case.
package manualtrigger

import (
	"context"
	"fmt"
	"net/http"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/mikhailov/birthday-engine/internal/api/respond"
	"github.com/mikhailov/birthday-engine/internal/sweeper"
	"github.com/mikhailov/birthday-engine/pkg/traceid"
)

type sweepRunner interface {
	Sweep(ctx context.Context, force bool) (sweeper.Summary, error)
}

// response is the wire-exact shape spec §6 pins for this endpoint.
type response struct {
	Total                int      `json:"total"`
	Queued               int      `json:"queued"`
	SkippedAlreadyQueued int      `json:"skippedAlreadyQueued"`
	SkippedNotDue        int      `json:"skippedNotDue"`
	Failed               int      `json:"failed"`
	FailedIDs            []string `json:"failedIds"`
}

// Handler serves POST /manual/send-birthday-message.
type Handler struct {
	sweeper sweepRunner
}

// NewHandler constructs a Handler.
func NewHandler(s sweepRunner) *Handler {
	return &Handler{sweeper: s}
}

// Trigger runs one forced sweep and returns its summary.
func (h *Handler) Trigger(c *ginext.Context) {
	ctx := c.Request.Context()
	trace := traceid.FromContext(ctx)

	summary, err := h.sweeper.Sweep(ctx, true)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("trace_id", trace).Msg("manual trigger sweep failed")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, response{
		Total:                summary.Total,
		Queued:               summary.Queued,
		SkippedAlreadyQueued: summary.SkippedAlreadyQueued,
		SkippedNotDue:        summary.SkippedNotDue,
		Failed:               len(summary.Failed),
		FailedIDs:            summary.Failed,
	})
}
