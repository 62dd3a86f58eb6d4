// Package ws serves session event streams over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/none34829/freya-1/internal/config"
	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/hub"
	"github.com/none34829/freya-1/internal/logger"
	"github.com/none34829/freya-1/internal/service"
)

// Inbound message types.
const (
	TypeUserMessage = "user_message"
)

// ClientMessage is a frame sent by the browser.
type ClientMessage struct {
	Type            string `json:"type"`
	Text            string `json:"text"`
	AudioURL        string `json:"audio_url"`
	AudioDurationMs *int64 `json:"audio_duration_ms"`
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	service  *service.Service
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, svc *service.Service) *Server {
	return &Server{
		cfg:     cfg,
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The console UI is served from a different origin in development.
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request and subscribes the socket to the
// session's events.
// GET /v1/sessions/:session_id/ws
func (s *Server) HandleWebSocket(c echo.Context) error {
	sessionID := c.Param("session_id")
	if _, err := s.service.GetSession(c.Request().Context(), sessionID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Warn("failed to upgrade websocket", "session_id", sessionID, "err", err)
		return nil
	}

	conn := hub.NewConnection(sessionID, ws, hub.DefaultSendBuffer)
	if err := conn.Deliver(domain.ConnectedEvent(sessionID)); err != nil {
		logger.Warn("failed to queue connected frame", "session_id", sessionID, "err", err)
	}
	s.service.Hub().Attach(sessionID, conn)

	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	go s.writePump(conn)
	go s.readPump(conn)

	logger.Info("websocket connected", "session_id", sessionID, "conn_id", conn.ID())
	return nil
}

// readPump reads client frames until the socket closes.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.service.Hub().Detach(conn.SessionID, conn)
		conn.Close()
		conn.Conn.Close()
		logger.Info("websocket disconnected", "session_id", conn.SessionID, "conn_id", conn.ID())
	}()

	readTimeout := s.readTimeout()
	conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket error", "session_id", conn.SessionID, "err", err)
			}
			return
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes queued frames and keeps the socket alive with pings.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.pingInterval())
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	writeTimeout := s.writeTimeout()
	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warn("failed to write websocket frame", "session_id", conn.SessionID, "err", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches an inbound frame.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "invalid JSON message")
		return
	}

	switch msg.Type {
	case TypeUserMessage:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := s.service.PostUserMessage(ctx, conn.SessionID, service.UserMessageInput{
			Text:            msg.Text,
			AudioURL:        msg.AudioURL,
			AudioDurationMs: msg.AudioDurationMs,
		})
		if err != nil {
			s.sendError(conn, err.Error())
		}
	default:
		s.sendError(conn, "unknown message type: "+msg.Type)
	}
}

// sendError replies to one connection only.
func (s *Server) sendError(conn *hub.Connection, message string) {
	evt := domain.ErrorEvent(message)
	evt.SessionID = conn.SessionID
	if err := conn.Deliver(evt); err != nil {
		logger.Debug("failed to queue error frame", "session_id", conn.SessionID, "err", err)
	}
}

func (s *Server) readTimeout() time.Duration {
	if s.cfg.ReadTimeout > 0 {
		return s.cfg.ReadTimeout
	}
	return 60 * time.Second
}

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.PingInterval > 0 {
		return s.cfg.PingInterval
	}
	return 30 * time.Second
}
