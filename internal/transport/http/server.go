// Package http provides the HTTP server implementation for the console.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/none34829/freya-1/internal/adapter/speech"
	"github.com/none34829/freya-1/internal/config"
	"github.com/none34829/freya-1/internal/logger"
	"github.com/none34829/freya-1/internal/metrics"
	"github.com/none34829/freya-1/internal/service"
	v1 "github.com/none34829/freya-1/internal/transport/http/v1"
	"github.com/none34829/freya-1/internal/transport/ws"
)

// NewServer creates and configures the console HTTP server: the REST API,
// SSE and WebSocket streams, Prometheus metrics and synthesised audio.
func NewServer(cfg *config.Config, svc *service.Service, exporter *metrics.Exporter) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Warn("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "err", v.Error)
				return nil
			}
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, cfg.SSEHeartbeat)
	wsServer := ws.NewServer(cfg, svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	e.GET("/v1/sessions/:session_id/ws", wsServer.HandleWebSocket)
	e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	if cfg.MediaDir != "" {
		e.Static(speech.MediaPrefix, cfg.MediaDir)
	}

	return e
}
