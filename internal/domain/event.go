package domain

import "time"

// CompletionEvent is one unit of the streaming protocol between the
// completion source, the run orchestrator and session subscribers.
// Which fields are populated depends on Type.
type CompletionEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`

	// assistant_token
	Token     string `json:"token,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// assistant_done
	TotalTokens  *int   `json:"totalTokens,omitempty"`
	FirstTokenAt *int64 `json:"firstTokenAt,omitempty"`
	LastTokenAt  *int64 `json:"lastTokenAt,omitempty"`

	// error, degraded
	Message string `json:"message,omitempty"`

	// assistant_audio
	AudioURL   string `json:"audioUrl,omitempty"`
	DurationMs *int64 `json:"durationMs,omitempty"`
	Voice      string `json:"voice,omitempty"`
}

// TokenEvent builds an assistant_token event.
func TokenEvent(token string, at time.Time) CompletionEvent {
	return CompletionEvent{Type: EventTypeAssistantToken, Token: token, Timestamp: at.UnixMilli()}
}

// DoneEvent builds an assistant_done event. Zero times are omitted.
func DoneEvent(totalTokens int, firstTokenAt, lastTokenAt time.Time) CompletionEvent {
	evt := CompletionEvent{Type: EventTypeAssistantDone, TotalTokens: &totalTokens}
	if !firstTokenAt.IsZero() {
		ms := firstTokenAt.UnixMilli()
		evt.FirstTokenAt = &ms
	}
	if !lastTokenAt.IsZero() {
		ms := lastTokenAt.UnixMilli()
		evt.LastTokenAt = &ms
	}
	return evt
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(message string) CompletionEvent {
	return CompletionEvent{Type: EventTypeError, Message: message}
}

// DegradedEvent builds the informational event sent when the fallback engages.
func DegradedEvent(message string) CompletionEvent {
	return CompletionEvent{Type: EventTypeDegraded, Message: message}
}

// AudioEvent builds an assistant_audio event.
func AudioEvent(audioURL string, durationMs *int64, voice string) CompletionEvent {
	return CompletionEvent{Type: EventTypeAssistantAudio, AudioURL: audioURL, DurationMs: durationMs, Voice: voice}
}

// ConnectedEvent is the first frame a transport sends after opening.
func ConnectedEvent(sessionID string) CompletionEvent {
	return CompletionEvent{Type: EventTypeConnected, SessionID: sessionID}
}

// MillisToTime converts an optional unix-ms wire timestamp.
func MillisToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
