// Package rpc exposes a JSON-RPC endpoint so out-of-process producers can
// publish into session streams and read aggregate metrics.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/logger"
	"github.com/none34829/freya-1/internal/metrics"
	"github.com/none34829/freya-1/internal/service"
)

// ServiceName is the name methods are registered under, e.g. "Console.PushEvent".
const ServiceName = "Console"

// Server accepts JSON-RPC connections.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the console service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Listen binds the server to addr without accepting connections yet.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("rpc server is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			logger.Warn("rpc accept error", "err", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Start listens on addr and serves until shutdown.
func (s *Server) Start(addr string) error {
	if _, err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the console RPC methods.
type Handler struct {
	service *service.Service
}

// PushEventRequest carries one event for a session.
type PushEventRequest struct {
	SessionID string                 `json:"session_id"`
	Event     domain.CompletionEvent `json:"event"`
}

// PushEventResponse reports whether anyone was listening.
type PushEventResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

// PushEvent broadcasts an event to the subscribers of a session.
func (h *Handler) PushEvent(req *PushEventRequest, resp *PushEventResponse) error {
	if req == nil {
		return errors.New("push request is required")
	}
	if req.SessionID == "" {
		return errors.New("session_id is required")
	}
	switch req.Event.Type {
	case domain.EventTypeAssistantToken, domain.EventTypeAssistantDone, domain.EventTypeError,
		domain.EventTypeDegraded, domain.EventTypeAssistantAudio:
	case domain.EventTypeConnected:
		return errors.New("connected events are sent by transports only")
	default:
		return fmt.Errorf("unknown event type %q", req.Event.Type)
	}

	event := req.Event
	event.SessionID = req.SessionID

	hub := h.service.Hub()
	delivered := hub.HasSubscribers(req.SessionID)
	hub.Broadcast(req.SessionID, event)

	logger.Debug("event pushed over rpc", "session_id", req.SessionID, "type", event.Type, "delivered", delivered)

	if resp != nil {
		resp.OK = true
		resp.Delivered = delivered
	}
	return nil
}

// MetricsRequest is empty; net/rpc requires an argument.
type MetricsRequest struct{}

// Metrics returns the rolling aggregate metrics.
func (h *Handler) Metrics(req *MetricsRequest, resp *metrics.Aggregate) error {
	*resp = h.service.AggregateMetrics()
	return nil
}
