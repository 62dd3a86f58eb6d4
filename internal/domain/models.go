package domain

import "time"

// Session is one conversation tied to a single prompt.
type Session struct {
	SessionID string          `json:"session_id"`
	PromptID  string          `json:"prompt_id"`
	Mode      SessionMode     `json:"mode"`
	CreatedAt time.Time       `json:"created_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Metrics   *SessionMetrics `json:"metrics,omitempty"`
}

// SessionMetrics is derived from a session's messages on read.
type SessionMetrics struct {
	AvgFirstTokenLatencyMs *float64 `json:"avg_first_token_latency_ms,omitempty"`
	AvgTokensPerSec        *float64 `json:"avg_tokens_per_sec,omitempty"`
	ErrorRate24h           *float64 `json:"error_rate_24h,omitempty"`
}

// Message is one turn within a session.
//
// Assistant messages start empty and are only mutated by the run that created
// them: token appends, finalisation, error recording and audio attachment.
type Message struct {
	MessageID       string     `json:"message_id"`
	SessionID       string     `json:"session_id"`
	Role            Role       `json:"role"`
	Content         string     `json:"content"`
	AudioURL        string     `json:"audio_url,omitempty"`
	AudioDurationMs *int64     `json:"audio_duration_ms,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	FirstTokenAt    *time.Time `json:"first_token_at,omitempty"`
	LastTokenAt     *time.Time `json:"last_token_at,omitempty"`
	TokenCount      *int       `json:"token_count,omitempty"`
	TokenRate       *float64   `json:"token_rate,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Prompt is a stored system prompt a session runs against.
type Prompt struct {
	PromptID  string    `json:"prompt_id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Body      string    `json:"body" yaml:"body"`
	Voice     string    `json:"voice,omitempty" yaml:"voice"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// ChatTurn is a normalised history entry handed to the completion source.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
