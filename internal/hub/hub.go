// Package hub fans completion events out to every viewer of a session.
//
// Socket connections and in-process callback listeners share one registry,
// so a single Broadcast reaches WebSocket, SSE and RPC subscribers alike.
// Events sent while a session has no subscribers are dropped.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/logger"
)

// ErrBufferFull is returned when a socket's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// Subscriber receives the events of one session.
type Subscriber interface {
	// ID uniquely identifies the subscriber within the hub.
	ID() string
	// Open reports whether the subscriber can still accept events.
	Open() bool
	// Deliver hands one event to the subscriber. It must not block.
	Deliver(event domain.CompletionEvent) error
}

// Hub manages session subscribers.
type Hub struct {
	// sessions maps session_id to its subscribers in registration order
	sessions map[string][]Subscriber
	mu       sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string][]Subscriber),
	}
}

// Attach adds sub to the subscribers of sessionID. Attaching the same
// subscriber twice is a no-op.
func (h *Hub) Attach(sessionID string, sub Subscriber) {
	h.mu.Lock()
	for _, existing := range h.sessions[sessionID] {
		if existing.ID() == sub.ID() {
			h.mu.Unlock()
			return
		}
	}
	h.sessions[sessionID] = append(h.sessions[sessionID], sub)
	h.mu.Unlock()
	logger.Debug("subscriber attached", "session_id", sessionID, "subscriber", sub.ID())
}

// Detach removes sub from sessionID. Detaching twice is a no-op.
func (h *Hub) Detach(sessionID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.sessions[sessionID]
	for i, existing := range subs {
		if existing.ID() != sub.ID() {
			continue
		}
		// Copy so snapshots taken by in-progress broadcasts stay intact.
		remaining := make([]Subscriber, 0, len(subs)-1)
		remaining = append(remaining, subs[:i]...)
		remaining = append(remaining, subs[i+1:]...)
		if len(remaining) == 0 {
			delete(h.sessions, sessionID)
		} else {
			h.sessions[sessionID] = remaining
		}
		logger.Debug("subscriber detached", "session_id", sessionID, "subscriber", sub.ID())
		return
	}
}

// Subscribe registers fn as a callback listener on sessionID and returns the
// function that removes it.
func (h *Hub) Subscribe(sessionID string, fn func(domain.CompletionEvent)) (unsubscribe func()) {
	l := &Listener{id: "lst_" + uuid.New().String(), fn: fn}
	h.Attach(sessionID, l)
	var once sync.Once
	return func() {
		once.Do(func() {
			h.Detach(sessionID, l)
		})
	}
}

// Broadcast delivers event to every subscriber of sessionID in registration
// order.
//
// Closed subscribers are skipped. A subscriber that fails to accept the event
// is logged and, for sockets, detached; it never affects the others or the
// caller.
func (h *Hub) Broadcast(sessionID string, event domain.CompletionEvent) {
	h.mu.RLock()
	subs := make([]Subscriber, len(h.sessions[sessionID]))
	copy(subs, h.sessions[sessionID])
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.Open() {
			continue
		}
		if err := sub.Deliver(event); err != nil {
			logger.Warn("failed to deliver event",
				"session_id", sessionID, "subscriber", sub.ID(), "type", event.Type, "err", err)
			if errors.Is(err, ErrBufferFull) {
				h.Detach(sessionID, sub)
				if c, ok := sub.(*Connection); ok {
					c.Close()
				}
			}
		}
	}
}

// HasSubscribers reports whether sessionID currently has any subscriber.
func (h *Hub) HasSubscribers(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID]) > 0
}

// SubscriberCount returns the number of subscribers across all sessions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.sessions {
		n += len(subs)
	}
	return n
}

// SessionCount returns the number of sessions with at least one subscriber.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Listener is an in-process callback subscriber.
type Listener struct {
	id string
	fn func(domain.CompletionEvent)
}

// ID returns the listener ID.
func (l *Listener) ID() string { return l.id }

// Open is always true; listeners leave through their unsubscribe function.
func (l *Listener) Open() bool { return true }

// Deliver invokes the callback, converting a panic into an error.
func (l *Listener) Deliver(event domain.CompletionEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	l.fn(event)
	return nil
}
