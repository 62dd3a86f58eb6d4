package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/none34829/freya-1/internal/domain"
)

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	PromptID string             `json:"prompt_id"`
	Mode     domain.SessionMode `json:"mode"`
}

// CreateSession starts a session.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	session, err := h.service.CreateSession(c.Request().Context(), req.PromptID, req.Mode)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// ListSessions lists recent sessions.
// GET /v1/sessions?limit=
func (h *Handler) ListSessions(c echo.Context) error {
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	sessions, err := h.service.ListSessions(c.Request().Context(), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// GetSession returns one session with derived metrics.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// EndSession marks a session ended.
// POST /v1/sessions/:session_id/end
func (h *Handler) EndSession(c echo.Context) error {
	session, err := h.service.EndSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// ListPrompts lists stored prompts.
// GET /v1/prompts
func (h *Handler) ListPrompts(c echo.Context) error {
	prompts, err := h.service.ListPrompts(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"prompts": prompts,
	})
}

// GetPrompt returns one prompt.
// GET /v1/prompts/:prompt_id
func (h *Handler) GetPrompt(c echo.Context) error {
	prompt, err := h.service.GetPrompt(c.Request().Context(), c.Param("prompt_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, prompt)
}
