package service

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/none34829/freya-1/internal/adapter/llm"
	"github.com/none34829/freya-1/internal/adapter/speech"
	"github.com/none34829/freya-1/internal/config"
	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/hub"
	"github.com/none34829/freya-1/internal/logger"
	"github.com/none34829/freya-1/internal/metrics"
	"github.com/none34829/freya-1/internal/repository"
)

type scriptedSource struct {
	events   []domain.CompletionEvent
	err      error
	panicMsg string
	block    chan struct{}

	mu       sync.Mutex
	requests []llm.Request
}

func (f *scriptedSource) Stream(ctx context.Context, req llm.Request, emit llm.EmitFunc) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	for _, evt := range f.events {
		if err := emit(evt); err != nil {
			return err
		}
	}
	return f.err
}

type fakeSynthesizer struct {
	err   error
	calls []string
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string, opts speech.Options) (*speech.Result, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	duration := int64(1200)
	return &speech.Result{AudioURL: "/media/reply.mp3", DurationMs: &duration, Voice: "alloy", Format: "mp3"}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []domain.CompletionEvent
}

func (r *recorder) add(evt domain.CompletionEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]domain.EventType, len(r.events))
	for i, evt := range r.events {
		types[i] = evt.Type
	}
	return types
}

func (r *recorder) last() domain.CompletionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	svc     *Service
	store   *repository.SQLiteStore
	agg     *metrics.Aggregator
	events  *recorder
	session *domain.Session
}

func newFixture(t *testing.T, source llm.CompletionSource, synth speech.Synthesizer, mode domain.SessionMode) *fixture {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	agg := metrics.NewAggregator(metrics.DefaultCapacity, nil)
	h := hub.NewHub()
	svc := New(store, source, synth, h, agg, &config.Config{HistoryLimit: 30, RunTimeout: 5 * time.Second})

	session, err := svc.CreateSession(context.Background(), repository.DefaultPromptID, mode)
	require.NoError(t, err)

	rec := &recorder{}
	h.Subscribe(session.SessionID, rec.add)
	return &fixture{svc: svc, store: store, agg: agg, events: rec, session: session}
}

func (f *fixture) post(t *testing.T, text string) *domain.Message {
	t.Helper()
	msg, err := f.svc.PostUserMessage(context.Background(), f.session.SessionID, UserMessageInput{Text: text})
	require.NoError(t, err)
	return msg
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(ctx))
}

func (f *fixture) assistant(t *testing.T) domain.Message {
	t.Helper()
	messages, err := f.svc.ListMessages(context.Background(), f.session.SessionID)
	require.NoError(t, err)
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleAssistant {
			return messages[i]
		}
	}
	t.Fatalf("no assistant message in %+v", messages)
	return domain.Message{}
}

func tokens(words ...string) []domain.CompletionEvent {
	events := make([]domain.CompletionEvent, 0, len(words)+1)
	for _, w := range words {
		events = append(events, domain.CompletionEvent{Type: domain.EventTypeAssistantToken, Token: w})
	}
	return append(events, domain.DoneEvent(len(words), time.Time{}, time.Time{}))
}

func TestRunStreamsTokensAndFinalizes(t *testing.T) {
	f := newFixture(t, &scriptedSource{events: tokens("Hel", "lo", "!")}, nil, domain.SessionModeChat)

	f.post(t, "hi there")
	f.wait(t)

	assert.Equal(t, []domain.EventType{
		domain.EventTypeAssistantToken,
		domain.EventTypeAssistantToken,
		domain.EventTypeAssistantToken,
		domain.EventTypeAssistantDone,
	}, f.events.types())

	msg := f.assistant(t)
	assert.Equal(t, "Hello!", msg.Content)
	require.NotNil(t, msg.TokenCount)
	assert.Equal(t, 3, *msg.TokenCount)
	assert.NotNil(t, msg.TokenRate)
	assert.Empty(t, msg.Error)

	done := f.events.last()
	assert.Equal(t, f.session.SessionID, done.SessionID)
	assert.Equal(t, msg.MessageID, done.MessageID)

	agg := f.agg.Snapshot()
	assert.Equal(t, 1, agg.MessageSamples)
	assert.Equal(t, 0, agg.ErrorSamples)
	assert.False(t, f.svc.Running(f.session.SessionID))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunLogsCarryRunContext(t *testing.T) {
	out := &lockedBuffer{}
	logger.SetOutput(out)
	t.Cleanup(func() { logger.SetOutput(os.Stderr) })

	f := newFixture(t, &scriptedSource{events: tokens("a", "b", "c", "d")}, nil, domain.SessionModeChat)
	f.post(t, "count please")
	f.wait(t)

	msg := f.assistant(t)
	var completed string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.Contains(line, "assistant run completed") {
			completed = line
		}
	}
	require.NotEmpty(t, completed, "no completion line in %q", out.String())
	assert.Contains(t, completed, "tokens=4")
	assert.Contains(t, completed, "session_id="+f.session.SessionID)
	assert.Contains(t, completed, "message_id="+msg.MessageID)
}

func TestRunPassesNormalizedHistory(t *testing.T) {
	src := &scriptedSource{events: tokens("ok")}
	f := newFixture(t, src, nil, domain.SessionModeChat)

	f.post(t, "first")
	f.wait(t)
	f.post(t, "second")
	f.wait(t)

	require.Len(t, src.requests, 2)
	req := src.requests[1]
	assert.NotEmpty(t, req.SystemPrompt)
	assert.Equal(t, []domain.ChatTurn{
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleAssistant, Content: "ok"},
		{Role: domain.RoleUser, Content: "second"},
	}, req.History)
}

func TestNormalizeHistoryDropsBlankAndUnknownRoles(t *testing.T) {
	turns := normalizeHistory([]domain.Message{
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleAssistant, Content: "   "},
		{Role: domain.Role("tool"), Content: "secret"},
		{Role: domain.RoleSystem, Content: "be nice"},
	})
	assert.Equal(t, []domain.ChatTurn{
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleSystem, Content: "be nice"},
	}, turns)
}

func TestVoiceRunAttachesAudio(t *testing.T) {
	synth := &fakeSynthesizer{}
	f := newFixture(t, &scriptedSource{events: tokens("Hi", " you")}, synth, domain.SessionModeVoice)

	f.post(t, "talk to me")
	f.wait(t)

	types := f.events.types()
	require.Len(t, types, 4)
	assert.Equal(t, domain.EventTypeAssistantDone, types[2])
	assert.Equal(t, domain.EventTypeAssistantAudio, types[3])

	audio := f.events.last()
	assert.Equal(t, "/media/reply.mp3", audio.AudioURL)
	assert.Equal(t, int64(1200), *audio.DurationMs)

	assert.Equal(t, []string{"Hi you"}, synth.calls)
	msg := f.assistant(t)
	assert.Equal(t, "/media/reply.mp3", msg.AudioURL)
}

func TestChatRunSkipsSynthesis(t *testing.T) {
	synth := &fakeSynthesizer{}
	f := newFixture(t, &scriptedSource{events: tokens("Hi")}, synth, domain.SessionModeChat)

	f.post(t, "hello")
	f.wait(t)
	assert.Empty(t, synth.calls)
}

func TestSynthesisFailureIsSwallowed(t *testing.T) {
	synth := &fakeSynthesizer{err: errors.New("tts down")}
	f := newFixture(t, &scriptedSource{events: tokens("Hi")}, synth, domain.SessionModeHybrid)

	f.post(t, "hello")
	f.wait(t)

	assert.Equal(t, domain.EventTypeAssistantDone, f.events.last().Type)
	msg := f.assistant(t)
	assert.Empty(t, msg.Error)
	assert.Empty(t, msg.AudioURL)
	assert.Equal(t, 0, f.agg.Snapshot().ErrorSamples)
}

func TestSourceErrorEventIsRecorded(t *testing.T) {
	src := &scriptedSource{events: []domain.CompletionEvent{
		{Type: domain.EventTypeAssistantToken, Token: "par"},
		domain.ErrorEvent("upstream cut off"),
	}}
	f := newFixture(t, src, nil, domain.SessionModeChat)

	f.post(t, "hi")
	f.wait(t)

	assert.Equal(t, domain.EventTypeError, f.events.last().Type)
	msg := f.assistant(t)
	assert.Equal(t, "upstream cut off", msg.Error)
	assert.Equal(t, "par", msg.Content)
	assert.Equal(t, 1, f.agg.Snapshot().ErrorSamples)
}

func TestUnexpectedFailuresEndInErrorEvent(t *testing.T) {
	tests := map[string]*scriptedSource{
		"returned error": {err: errors.New("socket reset")},
		"panic":          {panicMsg: "nil map"},
		"no terminal":    {events: []domain.CompletionEvent{{Type: domain.EventTypeAssistantToken, Token: "x"}}},
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, src, nil, domain.SessionModeChat)
			f.post(t, "hi")
			f.wait(t)

			last := f.events.last()
			assert.Equal(t, domain.EventTypeError, last.Type)
			assert.NotEmpty(t, last.Message)
			assert.NotEmpty(t, f.assistant(t).Error)
			assert.Equal(t, 1, f.agg.Snapshot().ErrorSamples)
			assert.False(t, f.svc.Running(f.session.SessionID))
		})
	}
}

func TestEventsAfterTerminalAreDropped(t *testing.T) {
	events := append(tokens("a"), domain.CompletionEvent{Type: domain.EventTypeAssistantToken, Token: "late"})
	f := newFixture(t, &scriptedSource{events: events}, nil, domain.SessionModeChat)

	f.post(t, "hi")
	f.wait(t)

	assert.Equal(t, domain.EventTypeAssistantDone, f.events.last().Type)
	assert.Equal(t, "a", f.assistant(t).Content)
}

func TestDegradedRunCompletesViaFallback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	src := llm.NewSource(llm.NewClient(upstream.URL, "key", "m", time.Second, time.Second), llm.NewFallback(time.Millisecond))
	f := newFixture(t, src, nil, domain.SessionModeChat)

	f.post(t, "hello?")
	f.wait(t)

	types := f.events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, domain.EventTypeDegraded, types[0])
	assert.Equal(t, domain.EventTypeAssistantDone, types[len(types)-1])

	msg := f.assistant(t)
	assert.Equal(t, llm.Reply("You are a helpful, concise general assistant."), msg.Content)
	assert.Empty(t, msg.Error)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	src := &scriptedSource{events: tokens("ok"), block: make(chan struct{})}
	f := newFixture(t, src, nil, domain.SessionModeChat)

	f.post(t, "first")
	_, err := f.svc.PostUserMessage(context.Background(), f.session.SessionID, UserMessageInput{Text: "second"})
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
	assert.True(t, f.svc.Running(f.session.SessionID))

	close(src.block)
	f.wait(t)

	messages, err := f.svc.ListMessages(context.Background(), f.session.SessionID)
	require.NoError(t, err)
	var users []string
	for _, m := range messages {
		if m.Role == domain.RoleUser {
			users = append(users, m.Content)
		}
	}
	assert.Equal(t, []string{"first"}, users)

	f.post(t, "third")
	f.wait(t)
}

func TestPostUserMessageValidation(t *testing.T) {
	f := newFixture(t, &scriptedSource{events: tokens("ok")}, nil, domain.SessionModeChat)
	ctx := context.Background()

	_, err := f.svc.PostUserMessage(ctx, f.session.SessionID, UserMessageInput{Text: "   "})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "text", verr.Field)

	_, err = f.svc.PostUserMessage(ctx, "sess_missing", UserMessageInput{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	msg, err := f.svc.PostUserMessage(ctx, f.session.SessionID, UserMessageInput{AudioURL: "/media/in.webm"})
	require.NoError(t, err)
	assert.Equal(t, "/media/in.webm", msg.AudioURL)
	f.wait(t)

	_, err = f.svc.EndSession(ctx, f.session.SessionID)
	require.NoError(t, err)
	_, err = f.svc.PostUserMessage(ctx, f.session.SessionID, UserMessageInput{Text: "hi"})
	require.True(t, errors.As(err, &verr))
}

func TestSessionOperations(t *testing.T) {
	f := newFixture(t, &scriptedSource{events: tokens("a", "b")}, nil, domain.SessionModeChat)
	ctx := context.Background()

	_, err := f.svc.CreateSession(ctx, "", domain.SessionModeChat)
	assert.Error(t, err)
	_, err = f.svc.CreateSession(ctx, repository.DefaultPromptID, domain.SessionMode("video"))
	assert.Error(t, err)
	_, err = f.svc.CreateSession(ctx, "nope", domain.SessionModeChat)
	assert.Error(t, err)

	created, err := f.svc.CreateSession(ctx, repository.DefaultPromptID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionModeChat, created.Mode)

	f.post(t, "hi")
	f.wait(t)

	got, err := f.svc.GetSession(ctx, f.session.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got.Metrics)
	assert.NotNil(t, got.Metrics.AvgTokensPerSec)
	require.NotNil(t, got.Metrics.ErrorRate24h)
	assert.Equal(t, 0.0, *got.Metrics.ErrorRate24h)

	_, err = f.svc.GetSession(ctx, "sess_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	sessions, err := f.svc.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	_, err = f.svc.EndSession(ctx, "sess_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	prompts, err := f.svc.ListPrompts(ctx)
	require.NoError(t, err)
	assert.True(t, len(prompts) >= 1)
	_, err = f.svc.GetPrompt(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, strings.HasPrefix(created.SessionID, "sess_"))
}
