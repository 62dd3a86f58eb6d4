package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/none34829/freya-1/internal/domain"
)

// DefaultSendBuffer is the number of frames a socket may queue before it is
// considered too slow and dropped.
const DefaultSendBuffer = 256

// Connection is a WebSocket subscriber. Events are queued on Send and
// written by the transport's write pump.
type Connection struct {
	id        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte

	mu     sync.Mutex // guards closed and Send
	closed bool
	wmu    sync.Mutex // serialises writes on Conn
}

// Ensure Connection and Listener implement Subscriber.
var (
	_ Subscriber = (*Connection)(nil)
	_ Subscriber = (*Listener)(nil)
)

// NewConnection wraps ws as a subscriber of sessionID. ws may be nil in tests.
func NewConnection(sessionID string, ws *websocket.Conn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Connection{
		id:        "conn_" + uuid.New().String(),
		SessionID: sessionID,
		Conn:      ws,
		Send:      make(chan []byte, buffer),
	}
}

// ID returns the connection ID.
func (c *Connection) ID() string { return c.id }

// Open reports whether the connection still accepts frames.
func (c *Connection) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Deliver queues event as a JSON text frame.
func (c *Connection) Deliver(event domain.CompletionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.Enqueue(data)
}

// Enqueue queues a raw frame without blocking.
func (c *Connection) Enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// Close marks the connection closed and releases the write pump. It does not
// close the underlying socket.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}
