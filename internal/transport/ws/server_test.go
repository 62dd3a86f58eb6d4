package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/none34829/freya-1/internal/adapter/llm"
	"github.com/none34829/freya-1/internal/config"
	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/hub"
	"github.com/none34829/freya-1/internal/metrics"
	"github.com/none34829/freya-1/internal/repository"
	"github.com/none34829/freya-1/internal/service"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{PingInterval: time.Second, ReadTimeout: 5 * time.Second, WriteTimeout: time.Second, MaxMessageSize: 4096}
	svc := service.New(store, llm.NewSource(nil, llm.NewFallback(time.Millisecond)), nil,
		hub.NewHub(), metrics.NewAggregator(0, nil), cfg)

	e := echo.New()
	e.GET("/v1/sessions/:session_id/ws", NewServer(cfg, svc).HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, svc
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + sessionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.CompletionEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt domain.CompletionEvent
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestWebSocketStreamsRunToEveryTab(t *testing.T) {
	srv, svc := newTestServer(t)
	session, err := svc.CreateSession(testContext(t), repository.DefaultPromptID, domain.SessionModeChat)
	require.NoError(t, err)

	first := dial(t, srv, session.SessionID)
	second := dial(t, srv, session.SessionID)
	for _, conn := range []*websocket.Conn{first, second} {
		evt := readEvent(t, conn)
		assert.Equal(t, domain.EventTypeConnected, evt.Type)
		assert.Equal(t, session.SessionID, evt.SessionID)
	}

	// both sockets attached before the run starts
	require.Eventually(t, func() bool { return svc.Hub().SubscriberCount() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, first.WriteJSON(ClientMessage{Type: TypeUserMessage, Text: "hello"}))

	for _, conn := range []*websocket.Conn{first, second} {
		var text strings.Builder
		for {
			evt := readEvent(t, conn)
			if evt.Type == domain.EventTypeAssistantToken {
				text.WriteString(evt.Token)
				continue
			}
			require.Equal(t, domain.EventTypeAssistantDone, evt.Type)
			break
		}
		assert.Equal(t, llm.Reply("You are a helpful, concise general assistant."), text.String())
	}
}

func TestWebSocketRejectsBadFrames(t *testing.T) {
	srv, svc := newTestServer(t)
	session, err := svc.CreateSession(testContext(t), repository.DefaultPromptID, domain.SessionModeChat)
	require.NoError(t, err)

	conn := dial(t, srv, session.SessionID)
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	evt := readEvent(t, conn)
	assert.Equal(t, domain.EventTypeError, evt.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "dance"}))
	evt = readEvent(t, conn)
	assert.Contains(t, evt.Message, "unknown message type")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeUserMessage}))
	evt = readEvent(t, conn)
	assert.Contains(t, evt.Message, "text or audio_url is required")
}

func TestWebSocketUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/sess_missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketDisconnectDetaches(t *testing.T) {
	srv, svc := newTestServer(t)
	session, err := svc.CreateSession(testContext(t), repository.DefaultPromptID, domain.SessionModeChat)
	require.NoError(t, err)

	conn := dial(t, srv, session.SessionID)
	readEvent(t, conn)
	require.Eventually(t, func() bool { return svc.Hub().HasSubscribers(session.SessionID) }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return !svc.Hub().HasSubscribers(session.SessionID) }, 2*time.Second, 10*time.Millisecond)
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled when
// the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
