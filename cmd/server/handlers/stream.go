package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/flowforge/flowforge/cmd/server/container"
	"github.com/flowforge/flowforge/cmd/server/middleware"
	"github.com/flowforge/flowforge/common/broadcast"
	"github.com/flowforge/flowforge/common/models"
	"github.com/flowforge/flowforge/common/ratelimit"
)

// maxStreamDuration bounds one SSE connection
const maxStreamDuration = 30 * time.Minute

// StreamHandler serves live execution events over SSE
type StreamHandler struct {
	c *container.Container
}

func NewStreamHandler(c *container.Container) *StreamHandler {
	return &StreamHandler{c: c}
}

// Stream sends an execution's events as server-sent events. A client
// reconnecting after a drop passes after_sequence to replay what it
// missed before going live.
// GET /api/v1/executions/:id/stream?after_sequence=0
func (h *StreamHandler) Stream(c echo.Context) error {
	userID := middleware.GetUserID(c)
	executionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid execution id")
	}

	// ownership check before any events flow
	if _, err := h.c.ExecutionRepo.Get(c.Request().Context(), userID, executionID); err != nil {
		return notFound(c)
	}

	release, err := h.c.Limiter.AcquireStream(c.Request().Context(), userID, middleware.GetTier(c))
	if err != nil {
		var limitErr *ratelimit.ErrLimitExceeded
		if errors.As(err, &limitErr) {
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"error": "concurrent stream limit reached",
			})
		}
		return err
	}
	defer release()

	var replay []models.StreamEvent
	if after := c.QueryParam("after_sequence"); after != "" {
		afterSeq, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			return badRequest(c, "invalid after_sequence")
		}
		replay, err = h.c.StreamEventRepo.ListAfter(c.Request().Context(), executionID, afterSeq, 0)
		if err != nil {
			return internalErrorStream(c, h, err)
		}
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	events := h.c.Broadcaster.StreamExecution(c.Request().Context(), executionID, broadcast.StreamOptions{
		Replay:      replay,
		MaxDuration: maxStreamDuration,
	})
	for event := range events {
		if err := writeSSE(resp, event); err != nil {
			return nil
		}
		resp.Flush()
	}
	return nil
}

// Events returns persisted events for polling clients
// GET /api/v1/executions/:id/events?after_sequence=0&limit=100
func (h *StreamHandler) Events(c echo.Context) error {
	userID := middleware.GetUserID(c)
	executionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid execution id")
	}
	if _, err := h.c.ExecutionRepo.Get(c.Request().Context(), userID, executionID); err != nil {
		return notFound(c)
	}

	afterSeq, _ := strconv.ParseInt(c.QueryParam("after_sequence"), 10, 64)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	events, err := h.c.StreamEventRepo.ListAfter(c.Request().Context(), executionID, afterSeq, limit)
	if err != nil {
		return internalErrorStream(c, h, err)
	}
	if events == nil {
		events = []models.StreamEvent{}
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

func writeSSE(resp *echo.Response, event models.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(resp, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.EventType, payload)
	return err
}

func internalErrorStream(c echo.Context, h *StreamHandler, err error) error {
	h.c.Components.Logger.Error("stream events", "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]any{"error": "internal error"})
}
