// Package v1 provides the versioned REST and SSE handlers of the console.
package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/logger"
	"github.com/none34829/freya-1/internal/service"
)

const defaultHeartbeat = 15 * time.Second

// Handler handles HTTP requests.
type Handler struct {
	service   *service.Service
	heartbeat time.Duration
}

// NewHandler creates a new handler. heartbeat is the SSE keep-alive interval.
func NewHandler(service *service.Service, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Handler{
		service:   service,
		heartbeat: heartbeat,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Sessions
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions", h.ListSessions)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.POST("/v1/sessions/:session_id/end", h.EndSession)

	// Messages and live stream
	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)
	e.POST("/v1/sessions/:session_id/messages", h.PostMessage)
	e.GET("/v1/sessions/:session_id/stream", h.StreamSession)

	// Prompts
	e.GET("/v1/prompts", h.ListPrompts)
	e.GET("/v1/prompts/:prompt_id", h.GetPrompt)

	e.GET("/v1/metrics", h.GetMetrics)
	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	hub := h.service.Hub()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     "0.1.0",
		"connections": hub.SubscriberCount(),
		"sessions":    hub.SessionCount(),
	})
}

// GetMetrics returns the rolling aggregate metrics.
// GET /v1/metrics
func (h *Handler) GetMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.AggregateMetrics())
}

// errorResponse maps service errors to status codes.
func errorResponse(c echo.Context, err error) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrRunInProgress):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
