package llm

import (
	"context"
	"strings"

	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/logger"
)

// DegradedMessage is sent to subscribers when the fallback takes over.
const DegradedMessage = "upstream model unavailable, replying with local fallback"

// Request describes one completion to produce.
type Request struct {
	SessionID    string
	MessageID    string
	SystemPrompt string
	History      []domain.ChatTurn
}

// CompletionSource produces the event stream for one assistant reply.
type CompletionSource interface {
	Stream(ctx context.Context, req Request, emit EmitFunc) error
}

// Source tries the upstream client and falls back to the local generator.
type Source struct {
	client   *Client
	fallback *Fallback
}

// Ensure Source implements CompletionSource.
var _ CompletionSource = (*Source)(nil)

// NewSource creates a completion source. client may be nil or unconfigured,
// in which case every stream comes from the fallback.
func NewSource(client *Client, fallback *Fallback) *Source {
	if fallback == nil {
		fallback = NewFallback(DefaultTokenDelay)
	}
	return &Source{client: client, fallback: fallback}
}

// Stream emits a completion for req ending in exactly one terminal event.
//
// Without an upstream credential the fallback runs directly. When the
// upstream call fails, one degraded event is emitted and the fallback runs to
// completion. Errors returned by emit abort the stream and are returned as is.
func (s *Source) Stream(ctx context.Context, req Request, emit EmitFunc) error {
	if !s.client.Configured() {
		return s.fallback.Stream(ctx, req.SystemPrompt, emit)
	}

	var emitErr error
	guarded := func(event domain.CompletionEvent) error {
		if err := emit(event); err != nil {
			emitErr = err
			return err
		}
		return nil
	}

	err := s.client.StreamCompletion(ctx, BuildMessages(req.SystemPrompt, req.History), guarded)
	if err == nil {
		return nil
	}
	if emitErr != nil {
		return emitErr
	}

	logger.Warn("upstream completion failed, engaging fallback",
		"session_id", req.SessionID, "message_id", req.MessageID, "err", err)
	if err := emit(domain.DegradedEvent(DegradedMessage)); err != nil {
		return err
	}
	return s.fallback.Stream(ctx, req.SystemPrompt, emit)
}

// BuildMessages prepends the system prompt to the normalised history.
func BuildMessages(systemPrompt string, history []domain.ChatTurn) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ChatMessage{Role: string(domain.RoleSystem), Content: systemPrompt})
	}
	for _, turn := range history {
		messages = append(messages, ChatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	return messages
}
