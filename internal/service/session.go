package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/metrics"
)

const (
	defaultSessionLimit = 20
	maxSessionLimit     = 100
)

// CreateSession starts a session against an existing prompt. An empty mode
// defaults to chat.
func (s *Service) CreateSession(ctx context.Context, promptID string, mode domain.SessionMode) (*domain.Session, error) {
	promptID = strings.TrimSpace(promptID)
	if promptID == "" {
		return nil, domain.NewValidationError("prompt_id", "is required")
	}
	if mode == "" {
		mode = domain.SessionModeChat
	}
	if !mode.Valid() {
		return nil, domain.NewValidationError("mode", "must be one of chat, voice, hybrid")
	}

	prompt, err := s.store.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	if prompt == nil {
		return nil, domain.NewValidationError("prompt_id", fmt.Sprintf("prompt %s not found", promptID))
	}

	session, err := s.store.CreateSession(ctx, promptID, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	session.Metrics = &domain.SessionMetrics{}
	return session, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	if limit > maxSessionLimit {
		limit = maxSessionLimit
	}
	sessions, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return sessions, nil
}

// GetSession returns a session with its derived metrics.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}

	m, err := s.store.ComputeSessionMetrics(ctx, sessionID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to compute session metrics: %w", err)
	}
	session.Metrics = m
	return session, nil
}

// EndSession marks a session ended.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.EndSession(ctx, sessionID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}
	return session, nil
}

// AggregateMetrics returns the process-wide rolling metrics.
func (s *Service) AggregateMetrics() metrics.Aggregate {
	return s.metrics.Snapshot()
}

// ListPrompts returns every stored prompt.
func (s *Service) ListPrompts(ctx context.Context) ([]domain.Prompt, error) {
	prompts, err := s.store.ListPrompts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	if prompts == nil {
		prompts = []domain.Prompt{}
	}
	return prompts, nil
}

// GetPrompt returns one prompt.
func (s *Service) GetPrompt(ctx context.Context, promptID string) (*domain.Prompt, error) {
	prompt, err := s.store.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	if prompt == nil {
		return nil, domain.ErrNotFound
	}
	return prompt, nil
}
