package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/logger"
	"github.com/none34829/freya-1/internal/service"
)

// sseBuffer is how many events an SSE client may lag behind before its
// stream is closed.
const sseBuffer = 256

// GetSessionMessages retrieves messages for a session.
// GET /v1/sessions/:session_id/messages
func (h *Handler) GetSessionMessages(c echo.Context) error {
	messages, err := h.service.ListMessages(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

// PostMessage stores a user turn and starts the assistant reply.
// POST /v1/sessions/:session_id/messages
func (h *Handler) PostMessage(c echo.Context) error {
	var req service.UserMessageInput
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	msg, err := h.service.PostUserMessage(c.Request().Context(), c.Param("session_id"), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, msg)
}

// StreamSession streams the session's completion events as Server-Sent Events.
// GET /v1/sessions/:session_id/stream
func (h *Handler) StreamSession(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	if _, err := h.service.GetSession(ctx, sessionID); err != nil {
		return errorResponse(c, err)
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	events := make(chan domain.CompletionEvent, sseBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	unsubscribe := h.service.Hub().Subscribe(sessionID, func(evt domain.CompletionEvent) {
		select {
		case events <- evt:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	if err := writeSSE(c, domain.ConnectedEvent(sessionID)); err != nil {
		return nil
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected
			return nil

		case <-overflow:
			logger.Warn("sse client too slow, closing stream", "session_id", sessionID)
			return nil

		case evt := <-events:
			if err := writeSSE(c, evt); err != nil {
				logger.Debug("failed to write sse event", "session_id", sessionID, "err", err)
				return nil
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response(), ": ping\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}

func writeSSE(c echo.Context, evt domain.CompletionEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
