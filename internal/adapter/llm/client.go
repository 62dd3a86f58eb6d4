// Package llm provides the completion source: a streaming client for
// OpenAI-compatible chat completion APIs and a local fallback generator,
// both normalised into domain.CompletionEvent values.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/logger"
)

// ErrIdleTimeout is the cancellation cause when the upstream stops sending bytes.
var ErrIdleTimeout = errors.New("upstream stream idle timeout")

// EmitFunc receives each event of a completion stream in order.
// Returning an error aborts the stream.
type EmitFunc func(event domain.CompletionEvent) error

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	idleTimeout time.Duration
	httpClient  *http.Client
	now         func() time.Time
}

// NewClient creates a new upstream client. timeout bounds the whole request,
// idleTimeout bounds the gap between reads of the response body.
func NewClient(baseURL, apiKey, model string, timeout, idleTimeout time.Duration) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		idleTimeout: idleTimeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// Configured reports whether an upstream credential is present.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// ChatCompletionRequest represents the streamed chat completion request.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []ChatMessage `json:"messages"`
}

// ChatMessage represents a chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk represents a single data payload from the stream.
type StreamChunk struct {
	ID      string         `json:"id,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// StreamChoice represents one choice of a chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// StreamDelta carries incremental content, which upstreams send either as a
// plain string or as a list of text parts.
type StreamDelta struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ContentPart is one element of an array-shaped delta content.
type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError represents the error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Tokens flattens the delta content into non-empty token strings.
func (d StreamDelta) Tokens() ([]string, error) {
	raw := bytes.TrimSpace(d.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, err
		}
		tokens := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Text != "" {
				tokens = append(tokens, p.Text)
			}
		}
		return tokens, nil
	default:
		return nil, fmt.Errorf("unexpected delta content: %s", raw)
	}
}

// StreamCompletion posts messages with stream=true and emits one
// assistant_token per content token, then assistant_done. Dial, status, read
// and idle-timeout failures are returned; tokens emitted before the failure
// stay emitted.
func (c *Client) StreamCompletion(ctx context.Context, messages []ChatMessage, emit EmitFunc) error {
	body, err := json.Marshal(&ChatCompletionRequest{
		Model:    c.model,
		Stream:   true,
		Messages: messages,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var idle *idleTimer
	if c.idleTimeout > 0 {
		idle = newIdleTimer(c.idleTimeout, func() { cancel(ErrIdleTimeout) })
		defer idle.Stop()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", causeOr(ctx, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil {
			return fmt.Errorf("LLM API error [%d]: %s (type: %s)", resp.StatusCode, errResp.Error.Message, errResp.Error.Type)
		}
		return fmt.Errorf("LLM API error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var reader io.Reader = resp.Body
	if idle != nil {
		reader = &idleReader{r: resp.Body, timer: idle}
	}

	var (
		emitted      int
		reported     int
		firstTokenAt time.Time
		lastTokenAt  time.Time
		emitErr      error
	)

	err = parseSSE(reader, func(block sseBlock) error {
		for _, data := range block.Data {
			if data == "[DONE]" {
				return errStreamDone
			}

			var chunk StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logger.Warn("skipping malformed completion chunk", "err", err)
				continue
			}
			if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
				reported = chunk.Usage.TotalTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			tokens, err := chunk.Choices[0].Delta.Tokens()
			if err != nil {
				logger.Warn("skipping malformed completion delta", "err", err)
				continue
			}
			for _, token := range tokens {
				now := c.now()
				if firstTokenAt.IsZero() {
					firstTokenAt = now
				}
				lastTokenAt = now
				emitted++
				if err := emit(domain.TokenEvent(token, now)); err != nil {
					emitErr = err
					return err
				}
			}
		}
		return nil
	})
	if emitErr != nil {
		return emitErr
	}
	if err != nil && !errors.Is(err, errStreamDone) {
		return fmt.Errorf("failed to read stream: %w", causeOr(ctx, err))
	}

	total := emitted
	if reported > 0 {
		total = reported
	}
	return emit(domain.DoneEvent(total, firstTokenAt, lastTokenAt))
}

// setHeaders sets common request headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func causeOr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

// idleTimer fires once when Touch has not been called for d.
type idleTimer struct {
	mu    sync.Mutex
	d     time.Duration
	timer *time.Timer
}

func newIdleTimer(d time.Duration, fire func()) *idleTimer {
	return &idleTimer{d: d, timer: time.AfterFunc(d, fire)}
}

func (t *idleTimer) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer.Reset(t.d)
}

func (t *idleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer.Stop()
}

// idleReader resets its timer whenever bytes arrive.
type idleReader struct {
	r     io.Reader
	timer *idleTimer
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Touch()
	}
	return n, err
}
