// Package domain defines the core domain models for the console.
package domain

// SessionMode controls whether a finished reply is also voiced.
type SessionMode string

const (
	SessionModeChat   SessionMode = "chat"
	SessionModeVoice  SessionMode = "voice"
	SessionModeHybrid SessionMode = "hybrid"
)

// Valid reports whether m is a known session mode.
func (m SessionMode) Valid() bool {
	switch m {
	case SessionModeChat, SessionModeVoice, SessionModeHybrid:
		return true
	}
	return false
}

// Speaks reports whether replies in this mode get speech synthesis.
func (m SessionMode) Speaks() bool {
	return m == SessionModeVoice || m == SessionModeHybrid
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a role the model understands.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// EventType is the discriminator of a CompletionEvent.
type EventType string

const (
	EventTypeAssistantToken EventType = "assistant_token"
	EventTypeAssistantDone  EventType = "assistant_done"
	EventTypeError          EventType = "error"
	EventTypeDegraded       EventType = "degraded"
	EventTypeAssistantAudio EventType = "assistant_audio"
	// Sent by transports on open, never produced by a run.
	EventTypeConnected EventType = "connected"
)

// Terminal reports whether an event of this type ends a completion stream.
func (t EventType) Terminal() bool {
	return t == EventTypeAssistantDone || t == EventTypeError
}
