// Package repository defines the session/message store and its SQLite implementation.
package repository

import (
	"context"
	"time"

	"github.com/none34829/freya-1/internal/domain"
)

// Store is the single source of truth for sessions, messages and prompts.
//
// Mutations addressed at an unknown session or message return (nil, nil);
// callers treat that as "record vanished". Returned values are copies.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, promptID string, mode domain.SessionMode) (*domain.Session, error)
	ListSessions(ctx context.Context, limit int) ([]domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	EndSession(ctx context.Context, sessionID string, at time.Time) (*domain.Session, error)

	// Message operations
	AddUserMessage(ctx context.Context, sessionID, text, audioURL string, audioDurationMs *int64) (*domain.Message, error)
	CreateAssistantMessage(ctx context.Context, sessionID string) (*domain.Message, error)
	AppendAssistantToken(ctx context.Context, sessionID, messageID, token string, at time.Time) (*domain.Message, error)
	FinalizeAssistantMessage(ctx context.Context, sessionID, messageID string, completedAt time.Time) (*domain.Message, error)
	RecordMessageError(ctx context.Context, sessionID, messageID, errText string) (*domain.Message, error)
	AttachMessageAudio(ctx context.Context, sessionID, messageID, audioURL string, durationMs *int64) (*domain.Message, error)
	GetSessionMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// Derived metrics
	ComputeSessionMetrics(ctx context.Context, sessionID string, now time.Time) (*domain.SessionMetrics, error)

	// Prompt lookup
	UpsertPrompt(ctx context.Context, prompt *domain.Prompt) error
	GetPrompt(ctx context.Context, promptID string) (*domain.Prompt, error)
	ListPrompts(ctx context.Context) ([]domain.Prompt, error)

	// Lifecycle
	Close() error
}
