package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/logger"
)

// UserMessageInput is a user turn posted to a session.
type UserMessageInput struct {
	Text            string `json:"text"`
	AudioURL        string `json:"audio_url"`
	AudioDurationMs *int64 `json:"audio_duration_ms"`
}

// ListMessages returns every message of a session in creation order.
func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}

	messages, err := s.store.GetSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// PostUserMessage persists a user turn and dispatches the assistant run in
// the background. The returned message is the stored user turn; the reply
// arrives through the session hub.
func (s *Service) PostUserMessage(ctx context.Context, sessionID string, in UserMessageInput) (*domain.Message, error) {
	text := strings.TrimSpace(in.Text)
	audioURL := strings.TrimSpace(in.AudioURL)
	if text == "" && audioURL == "" {
		return nil, domain.NewValidationError("text", "text or audio_url is required")
	}
	if in.AudioDurationMs != nil && *in.AudioDurationMs < 0 {
		return nil, domain.NewValidationError("audio_duration_ms", "must not be negative")
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}
	if session.EndedAt != nil {
		return nil, domain.NewValidationError("session_id", "session has ended")
	}

	if !s.acquire(sessionID) {
		return nil, domain.ErrRunInProgress
	}

	msg, err := s.store.AddUserMessage(ctx, sessionID, text, audioURL, in.AudioDurationMs)
	if err != nil {
		s.release(sessionID)
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}
	if msg == nil {
		s.release(sessionID)
		return nil, domain.ErrNotFound
	}

	var systemPrompt, voice string
	prompt, err := s.store.GetPrompt(ctx, session.PromptID)
	if err != nil {
		logger.Warn("failed to load prompt, continuing without it", "session_id", sessionID, "prompt_id", session.PromptID, "err", err)
	} else if prompt == nil {
		logger.Warn("session prompt not found, continuing without it", "session_id", sessionID, "prompt_id", session.PromptID)
	} else {
		systemPrompt, voice = prompt.Body, prompt.Voice
	}

	r := &run{
		svc:          s,
		session:      *session,
		userMessage:  *msg,
		systemPrompt: systemPrompt,
		voice:        voice,
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.release(sessionID)
		r.execute()
	}()

	return msg, nil
}

// normalizeHistory keeps turns the model understands: known roles with
// non-blank content.
func normalizeHistory(messages []domain.Message) []domain.ChatTurn {
	turns := make([]domain.ChatTurn, 0, len(messages))
	for _, m := range messages {
		if !m.Role.Valid() || strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, domain.ChatTurn{Role: m.Role, Content: m.Content})
	}
	return turns
}
