package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/none34829/freya-1/internal/domain"
)

func collect(events *[]domain.CompletionEvent) EmitFunc {
	return func(event domain.CompletionEvent) error {
		*events = append(*events, event)
		return nil
	}
}

func TestParseSSEBlocks(t *testing.T) {
	input := "event: delta\n" +
		"data: first\n" +
		"data: second\n\n" +
		": comment\n" +
		"data: third\r\n\r\n" +
		"data: trailing"

	var blocks []sseBlock
	err := parseSSE(strings.NewReader(input), func(block sseBlock) error {
		blocks = append(blocks, block)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, "delta", blocks[0].Event)
	assert.Equal(t, []string{"first", "second"}, blocks[0].Data)
	assert.Equal(t, []string{"third"}, blocks[1].Data)
	assert.Equal(t, []string{"trailing"}, blocks[2].Data)
}

func TestDeltaTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
		wantErr bool
	}{
		{name: "string", content: `"Hel"`, want: []string{"Hel"}},
		{name: "empty string", content: `""`, want: nil},
		{name: "null", content: `null`, want: nil},
		{name: "missing", content: ``, want: nil},
		{name: "parts", content: `[{"type":"text","text":"a"},{"text":""},{"text":"b"}]`, want: []string{"a", "b"}},
		{name: "number", content: `42`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StreamDelta{Content: json.RawMessage(tt.content)}.Tokens()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStreamCompletionEmitsTokensAndUsage(t *testing.T) {
	var gotReq ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotReq))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":[{\"text\":\"lo\"},{\"text\":\" there\"}]}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":3,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ignored\"}}]}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "gpt-test", time.Second, time.Second)
	var events []domain.CompletionEvent
	err := client.StreamCompletion(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, collect(&events))
	require.NoError(t, err)

	assert.True(t, gotReq.Stream)
	assert.Equal(t, "gpt-test", gotReq.Model)

	require.Len(t, events, 4)
	assert.Equal(t, "Hel", events[0].Token)
	assert.Equal(t, "lo", events[1].Token)
	assert.Equal(t, " there", events[2].Token)
	done := events[3]
	assert.Equal(t, domain.EventTypeAssistantDone, done.Type)
	require.NotNil(t, done.TotalTokens)
	assert.Equal(t, 7, *done.TotalTokens)
	assert.NotNil(t, done.FirstTokenAt)
	assert.NotNil(t, done.LastTokenAt)
}

func TestStreamCompletionCountsTokensWithoutUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", "m", time.Second, time.Second)
	var events []domain.CompletionEvent
	require.NoError(t, client.StreamCompletion(context.Background(), nil, collect(&events)))
	require.Len(t, events, 3)
	assert.Equal(t, 2, *events[2].TotalTokens)
}

func TestStreamCompletionStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", "m", time.Second, time.Second)
	var events []domain.CompletionEvent
	err := client.StreamCompletion(context.Background(), nil, collect(&events))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.Empty(t, events)
}

func TestStreamCompletionIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, "k", "m", 5*time.Second, 100*time.Millisecond)
	var events []domain.CompletionEvent
	err := client.StreamCompletion(context.Background(), nil, collect(&events))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdleTimeout)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Token)
}

func TestStreamCompletionUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "k", "m", time.Second, time.Second)
	err := client.StreamCompletion(context.Background(), nil, func(domain.CompletionEvent) error { return nil })
	assert.Error(t, err)
}
