package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/none34829/freya-1/internal/adapter/llm"
	"github.com/none34829/freya-1/internal/adapter/speech"
	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/logger"
	"github.com/none34829/freya-1/internal/metrics"
)

// errNoTerminal is recorded when a completion stream ends silently.
var errNoTerminal = errors.New("completion stream ended without a terminal event")

// run is one assistant reply to one user message.
type run struct {
	svc          *Service
	session      domain.Session
	userMessage  domain.Message
	systemPrompt string
	voice        string

	messageID string
	log       *log.Logger
	// persistence outlives the run deadline so terminal state is always written
	storeCtx context.Context
	terminal bool
	degraded bool
}

// execute drives the run to a terminal event. It never panics.
func (r *run) execute() {
	ctx, cancel := context.WithTimeout(context.Background(), r.svc.runTimeout())
	defer cancel()
	r.storeCtx = context.WithoutCancel(ctx)
	r.log = logger.With("session_id", r.session.SessionID)

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("assistant run panicked", "panic", rec, "stack", string(debug.Stack()))
			r.fail(fmt.Errorf("internal error: %v", rec))
		}
	}()

	history, err := r.svc.store.GetRecentMessages(r.storeCtx, r.session.SessionID, r.svc.historyLimit())
	if err != nil {
		r.fail(fmt.Errorf("failed to load history: %w", err))
		return
	}

	msg, err := r.svc.store.CreateAssistantMessage(r.storeCtx, r.session.SessionID)
	if err != nil {
		r.fail(fmt.Errorf("failed to create assistant message: %w", err))
		return
	}
	if msg == nil {
		r.log.Warn("session vanished before assistant reply")
		r.svc.metrics.ObserveRun(metrics.OutcomeFailed)
		return
	}
	r.messageID = msg.MessageID
	r.log = r.log.With("message_id", r.messageID)

	r.log.Info("assistant run started", "history", len(history), "mode", r.session.Mode)

	err = r.svc.source.Stream(ctx, llm.Request{
		SessionID:    r.session.SessionID,
		MessageID:    r.messageID,
		SystemPrompt: r.systemPrompt,
		History:      normalizeHistory(history),
	}, r.handle)
	if err != nil {
		r.fail(err)
		return
	}
	if !r.terminal {
		r.fail(errNoTerminal)
	}
}

// handle relays one completion event to the store, metrics and hub.
func (r *run) handle(event domain.CompletionEvent) error {
	if r.terminal {
		r.log.Warn("dropping event after terminal", "type", event.Type)
		return nil
	}
	event.SessionID = r.session.SessionID
	event.MessageID = r.messageID

	switch event.Type {
	case domain.EventTypeAssistantToken:
		return r.onToken(event)
	case domain.EventTypeDegraded:
		r.degraded = true
		r.log.Warn("assistant run degraded", "reason", event.Message)
		r.svc.hub.Broadcast(r.session.SessionID, event)
		return nil
	case domain.EventTypeAssistantDone:
		return r.onDone(event)
	case domain.EventTypeError:
		r.onError(event)
		return nil
	case domain.EventTypeAssistantAudio, domain.EventTypeConnected:
		r.log.Warn("ignoring unexpected event from completion source", "type", event.Type)
		return nil
	default:
		r.log.Warn("ignoring unknown event type", "type", event.Type)
		return nil
	}
}

func (r *run) onToken(event domain.CompletionEvent) error {
	at := r.svc.now()
	if event.Timestamp > 0 {
		at = time.UnixMilli(event.Timestamp)
	}
	updated, err := r.svc.store.AppendAssistantToken(r.storeCtx, r.session.SessionID, r.messageID, event.Token, at)
	if err != nil {
		return fmt.Errorf("failed to append token: %w", err)
	}
	if updated == nil {
		r.log.Warn("assistant message vanished, token not stored")
	}
	r.svc.hub.Broadcast(r.session.SessionID, event)
	return nil
}

func (r *run) onDone(event domain.CompletionEvent) error {
	completedAt := r.svc.now()
	if event.LastTokenAt != nil {
		completedAt = time.UnixMilli(*event.LastTokenAt)
	}

	final, err := r.svc.store.FinalizeAssistantMessage(r.storeCtx, r.session.SessionID, r.messageID, completedAt)
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}
	r.terminal = true

	outcome := metrics.OutcomeCompleted
	if r.degraded {
		outcome = metrics.OutcomeDegraded
	}
	r.svc.metrics.ObserveRun(outcome)

	if final == nil {
		r.log.Warn("assistant message vanished before finalize")
		r.svc.hub.Broadcast(r.session.SessionID, event)
		return nil
	}

	if final.FirstTokenAt != nil && final.TokenRate != nil {
		latency := final.FirstTokenAt.Sub(r.userMessage.CreatedAt)
		if latency >= 0 {
			r.svc.metrics.RecordMessage(metrics.MessageSample{
				FirstTokenLatencyMs: float64(latency.Milliseconds()),
				TokensPerSec:        *final.TokenRate,
				RecordedAt:          r.svc.now(),
			})
		}
	}

	r.svc.hub.Broadcast(r.session.SessionID, event)
	tokenCount := 0
	if final.TokenCount != nil {
		tokenCount = *final.TokenCount
	}
	r.log.Info("assistant run completed", "tokens", tokenCount, "degraded", r.degraded)

	if r.session.Mode.Speaks() && strings.TrimSpace(final.Content) != "" {
		r.synthesize(final.Content)
	}
	return nil
}

func (r *run) onError(event domain.CompletionEvent) {
	r.terminal = true
	if _, err := r.svc.store.RecordMessageError(r.storeCtx, r.session.SessionID, r.messageID, event.Message); err != nil {
		r.log.Error("failed to record message error", "err", err)
	}
	r.svc.metrics.RecordError()
	r.svc.metrics.ObserveRun(metrics.OutcomeFailed)
	r.svc.hub.Broadcast(r.session.SessionID, event)
	r.log.Warn("assistant run failed", "err", event.Message)
}

// fail turns an unexpected failure into a terminal error event. After a
// terminal event has gone out it only logs.
func (r *run) fail(err error) {
	if r.terminal {
		r.log.Error("assistant run failed after terminal event", "err", err)
		return
	}

	evt := domain.ErrorEvent(err.Error())
	evt.SessionID = r.session.SessionID
	evt.MessageID = r.messageID
	if r.messageID == "" {
		// nothing to record the error on
		r.terminal = true
		r.svc.metrics.RecordError()
		r.svc.metrics.ObserveRun(metrics.OutcomeFailed)
		r.svc.hub.Broadcast(r.session.SessionID, evt)
		r.log.Error("assistant run failed", "err", err)
		return
	}
	r.onError(evt)
}

// synthesize voices the final reply. Failures are logged and swallowed.
func (r *run) synthesize(text string) {
	if r.svc.synthesizer == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("speech synthesis panicked", "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(r.storeCtx, r.svc.runTimeout())
	defer cancel()

	result, err := r.svc.synthesizer.Synthesize(ctx, text, speech.Options{Voice: r.voice})
	if errors.Is(err, speech.ErrNotConfigured) {
		r.log.Debug("speech synthesis not configured, skipping audio")
		return
	}
	if err != nil {
		r.log.Warn("speech synthesis failed", "err", err)
		return
	}

	updated, err := r.svc.store.AttachMessageAudio(r.storeCtx, r.session.SessionID, r.messageID, result.AudioURL, result.DurationMs)
	if err != nil {
		r.log.Warn("failed to attach audio", "err", err)
		return
	}
	if updated == nil {
		r.log.Warn("assistant message vanished before audio attach")
	}

	evt := domain.AudioEvent(result.AudioURL, result.DurationMs, result.Voice)
	evt.SessionID = r.session.SessionID
	evt.MessageID = r.messageID
	r.svc.hub.Broadcast(r.session.SessionID, evt)
}
