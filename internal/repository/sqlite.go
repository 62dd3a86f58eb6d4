package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/none34829/freya-1/internal/domain"
	"github.com/none34829/freya-1/internal/logger"
)

// ErrClosed is returned by writes submitted after Close.
var ErrClosed = errors.New("store is closed")

// DefaultPromptID is seeded on startup so sessions can be created on an empty database.
const DefaultPromptID = "default"

// minElapsedSeconds floors the token-rate denominator.
const minElapsedSeconds = 0.001

const messageColumns = `message_id, session_id, role, content, audio_url, audio_duration_ms,
	created_at, first_token_at, last_token_at, token_count, token_rate, error`

// SQLiteStore implements Store using SQLite.
//
// Every mutation runs inside a transaction on a single writer goroutine, so
// appends, finalisation and error recording for the same message never
// interleave. Reads go straight to the connection pool.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	writes     chan writeOp
	quit       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

type writeOp struct {
	fn   func(tx *sql.Tx) error
	done chan error
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the time source used for created_at and error timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	memory := isMemoryDSN(dsn)
	if !memory {
		var err error
		if dsn, err = FileDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:         db,
		now:        time.Now,
		writes:     make(chan writeOp),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	go s.runWriter()

	if err := s.seedPrompts(); err != nil {
		// Don't fail startup for this
		logger.Warn("failed to seed prompts", "err", err)
	}

	return s, nil
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// FileDSN prepares a file DSN for one writer and many pooled readers.
// Shared cache is dropped because it swaps SQLite's file locking for
// table locks that fail immediately instead of honouring the busy timeout.
// WAL, a busy timeout and foreign keys are set on every connection unless
// the DSN already chooses them.
func FileDSN(dsn string) (string, error) {
	path, rawQuery, _ := strings.Cut(dsn, "?")
	if path == "" {
		return "", errors.New("database path is empty")
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("invalid database options: %w", err)
	}

	query.Del("cache")
	query.Del("_cache")
	setDefault(query, "_journal_mode", "_journal", "WAL")
	setDefault(query, "_busy_timeout", "_timeout", "5000")
	setDefault(query, "_foreign_keys", "_fk", "1")
	return path + "?" + query.Encode(), nil
}

func setDefault(query url.Values, key, alias, value string) {
	if query.Get(key) == "" && query.Get(alias) == "" {
		query.Set(key, value)
	}
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS prompts (
			prompt_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			body TEXT NOT NULL,
			voice TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			prompt_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			ended_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			audio_url TEXT,
			audio_duration_ms INTEGER,
			created_at INTEGER NOT NULL,
			first_token_at INTEGER,
			last_token_at INTEGER,
			token_count INTEGER,
			token_rate REAL,
			error TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) seedPrompts() error {
	return s.write(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO prompts (prompt_id, name, body, voice, created_at) VALUES (?, ?, ?, ?, ?)`,
			DefaultPromptID, "General assistant", "You are a helpful, concise general assistant.", "", toMillis(s.now()))
		return err
	})
}

// runWriter applies queued mutations one at a time until Close.
func (s *SQLiteStore) runWriter() {
	defer close(s.writerDone)
	for {
		select {
		case op := <-s.writes:
			op.done <- s.apply(op.fn)
		case <-s.quit:
			return
		}
	}
}

func (s *SQLiteStore) apply(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// write queues fn on the writer goroutine and waits for its result.
func (s *SQLiteStore) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	op := writeOp{fn: fn, done: make(chan error, 1)}
	select {
	case s.writes <- op:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-op.done
}

// Close stops the writer and closes the database connection.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.writerDone
		err = s.db.Close()
	})
	return err
}

// CreateSession creates a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, promptID string, mode domain.SessionMode) (*domain.Session, error) {
	session := &domain.Session{
		SessionID: "sess_" + uuid.New().String()[:8],
		PromptID:  promptID,
		Mode:      mode,
		CreatedAt: truncateMillis(s.now()),
	}
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO sessions (session_id, prompt_id, mode, created_at) VALUES (?, ?, ?, ?)`,
			session.SessionID, session.PromptID, session.Mode, toMillis(session.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	query := `SELECT session_id, prompt_id, mode, created_at, ended_at FROM sessions ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, prompt_id, mode, created_at, ended_at FROM sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

// EndSession marks a session ended. Ending twice keeps the first timestamp.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, at time.Time) (*domain.Session, error) {
	var session *domain.Session
	err := s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE sessions SET ended_at = COALESCE(ended_at, ?) WHERE session_id = ?`,
			toMillis(at), sessionID); err != nil {
			return err
		}
		row := tx.QueryRow(`SELECT session_id, prompt_id, mode, created_at, ended_at FROM sessions WHERE session_id = ?`, sessionID)
		var err error
		session, err = scanSession(row)
		if err == sql.ErrNoRows {
			session = nil
			return nil
		}
		return err
	})
	return session, err
}

// AddUserMessage stores a complete user turn.
func (s *SQLiteStore) AddUserMessage(ctx context.Context, sessionID, text, audioURL string, audioDurationMs *int64) (*domain.Message, error) {
	msg := &domain.Message{
		MessageID:       "msg_" + uuid.New().String()[:8],
		SessionID:       sessionID,
		Role:            domain.RoleUser,
		Content:         text,
		AudioURL:        audioURL,
		AudioDurationMs: audioDurationMs,
	}
	return s.insertMessage(ctx, msg)
}

// CreateAssistantMessage creates the empty assistant message a run streams into.
func (s *SQLiteStore) CreateAssistantMessage(ctx context.Context, sessionID string) (*domain.Message, error) {
	msg := &domain.Message{
		MessageID: "msg_" + uuid.New().String()[:8],
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
	}
	return s.insertMessage(ctx, msg)
}

func (s *SQLiteStore) insertMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	var created *domain.Message
	err := s.write(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM sessions WHERE session_id = ?`, msg.SessionID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		msg.CreatedAt = truncateMillis(s.now())
		_, err = tx.Exec(
			`INSERT INTO messages (message_id, session_id, role, content, audio_url, audio_duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.MessageID, msg.SessionID, msg.Role, msg.Content, nullString(msg.AudioURL), nullInt64(msg.AudioDurationMs),
			toMillis(msg.CreatedAt))
		if err != nil {
			return err
		}
		created = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AppendAssistantToken appends token to an assistant message, bumping its
// count and timestamps.
func (s *SQLiteStore) AppendAssistantToken(ctx context.Context, sessionID, messageID, token string, at time.Time) (*domain.Message, error) {
	return s.mutateAssistant(ctx, sessionID, messageID, func(msg *domain.Message) {
		msg.Content += token
		count := 1
		if msg.TokenCount != nil {
			count = *msg.TokenCount + 1
		}
		msg.TokenCount = &count
		ts := truncateMillis(at)
		if msg.FirstTokenAt == nil {
			msg.FirstTokenAt = &ts
		}
		msg.LastTokenAt = &ts
	})
}

// FinalizeAssistantMessage closes an assistant message and computes its token rate.
func (s *SQLiteStore) FinalizeAssistantMessage(ctx context.Context, sessionID, messageID string, completedAt time.Time) (*domain.Message, error) {
	return s.mutateAssistant(ctx, sessionID, messageID, func(msg *domain.Message) {
		ts := truncateMillis(completedAt)
		msg.LastTokenAt = &ts
		if msg.FirstTokenAt != nil && msg.TokenCount != nil && *msg.TokenCount > 0 {
			rate := TokenRate(*msg.TokenCount, *msg.FirstTokenAt, ts)
			msg.TokenRate = &rate
		}
	})
}

// RecordMessageError flags an assistant message as failed.
func (s *SQLiteStore) RecordMessageError(ctx context.Context, sessionID, messageID, errText string) (*domain.Message, error) {
	return s.mutateAssistant(ctx, sessionID, messageID, func(msg *domain.Message) {
		msg.Error = errText
		ts := truncateMillis(s.now())
		msg.LastTokenAt = &ts
	})
}

// AttachMessageAudio sets the audio reference of an assistant message after synthesis.
func (s *SQLiteStore) AttachMessageAudio(ctx context.Context, sessionID, messageID, audioURL string, durationMs *int64) (*domain.Message, error) {
	return s.mutateAssistant(ctx, sessionID, messageID, func(msg *domain.Message) {
		msg.AudioURL = audioURL
		msg.AudioDurationMs = durationMs
	})
}

// mutateAssistant loads, changes and writes back one assistant message inside
// the writer transaction.
func (s *SQLiteStore) mutateAssistant(ctx context.Context, sessionID, messageID string, mutate func(msg *domain.Message)) (*domain.Message, error) {
	var updated *domain.Message
	err := s.write(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND message_id = ? AND role = ?`,
			sessionID, messageID, domain.RoleAssistant)
		msg, err := scanMessage(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		mutate(msg)

		_, err = tx.Exec(
			`UPDATE messages SET content = ?, audio_url = ?, audio_duration_ms = ?, first_token_at = ?, last_token_at = ?,
			 token_count = ?, token_rate = ?, error = ? WHERE message_id = ?`,
			msg.Content, nullString(msg.AudioURL), nullInt64(msg.AudioDurationMs), nullTime(msg.FirstTokenAt),
			nullTime(msg.LastTokenAt), nullInt(msg.TokenCount), nullFloat(msg.TokenRate), nullString(msg.Error), msg.MessageID)
		if err != nil {
			return err
		}
		updated = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetSessionMessages returns every message of a session in creation order.
func (s *SQLiteStore) GetSessionMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at ASC, seq ASC`, sessionID)
}

// GetRecentMessages returns the last limit messages of a session in creation order.
func (s *SQLiteStore) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return s.GetSessionMessages(ctx, sessionID)
	}
	messages, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// ComputeSessionMetrics derives latency, throughput and error rate for a session.
func (s *SQLiteStore) ComputeSessionMetrics(ctx context.Context, sessionID string, now time.Time) (*domain.SessionMetrics, error) {
	messages, err := s.GetSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ComputeSessionMetrics(messages, now), nil
}

// UpsertPrompt creates or replaces a prompt.
func (s *SQLiteStore) UpsertPrompt(ctx context.Context, prompt *domain.Prompt) error {
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = truncateMillis(s.now())
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO prompts (prompt_id, name, body, voice, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(prompt_id) DO UPDATE SET name = excluded.name, body = excluded.body, voice = excluded.voice`,
			prompt.PromptID, prompt.Name, prompt.Body, nullString(prompt.Voice), toMillis(prompt.CreatedAt))
		return err
	})
}

// GetPrompt retrieves a prompt by ID.
func (s *SQLiteStore) GetPrompt(ctx context.Context, promptID string) (*domain.Prompt, error) {
	var prompt domain.Prompt
	var voice sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT prompt_id, name, body, voice, created_at FROM prompts WHERE prompt_id = ?`, promptID).
		Scan(&prompt.PromptID, &prompt.Name, &prompt.Body, &voice, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prompt.Voice = voice.String
	prompt.CreatedAt = fromMillis(createdAt)
	return &prompt, nil
}

// ListPrompts lists all prompts.
func (s *SQLiteStore) ListPrompts(ctx context.Context) ([]domain.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT prompt_id, name, body, voice, created_at FROM prompts ORDER BY created_at, prompt_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prompts []domain.Prompt
	for rows.Next() {
		var prompt domain.Prompt
		var voice sql.NullString
		var createdAt int64
		if err := rows.Scan(&prompt.PromptID, &prompt.Name, &prompt.Body, &voice, &createdAt); err != nil {
			return nil, err
		}
		prompt.Voice = voice.String
		prompt.CreatedAt = fromMillis(createdAt)
		prompts = append(prompts, prompt)
	}
	return prompts, rows.Err()
}

// TokenRate is tokens per second between first and last token, with the
// elapsed time floored at one millisecond and the result rounded to 2 decimals.
func TokenRate(tokenCount int, firstTokenAt, lastTokenAt time.Time) float64 {
	elapsed := lastTokenAt.Sub(firstTokenAt).Seconds()
	if elapsed < minElapsedSeconds {
		elapsed = minElapsedSeconds
	}
	return round2(float64(tokenCount) / elapsed)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var createdAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(&session.SessionID, &session.PromptID, &session.Mode, &createdAt, &endedAt); err != nil {
		return nil, err
	}
	session.CreatedAt = fromMillis(createdAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		session.EndedAt = &t
	}
	return &session, nil
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var (
		audioURL, errText                    sql.NullString
		audioDuration, firstToken, lastToken sql.NullInt64
		tokenCount                           sql.NullInt64
		tokenRate                            sql.NullFloat64
		createdAt                            int64
	)
	if err := row.Scan(&msg.MessageID, &msg.SessionID, &msg.Role, &msg.Content, &audioURL, &audioDuration,
		&createdAt, &firstToken, &lastToken, &tokenCount, &tokenRate, &errText); err != nil {
		return nil, err
	}

	msg.CreatedAt = fromMillis(createdAt)
	msg.AudioURL = audioURL.String
	msg.Error = errText.String
	if audioDuration.Valid {
		v := audioDuration.Int64
		msg.AudioDurationMs = &v
	}
	if firstToken.Valid {
		t := fromMillis(firstToken.Int64)
		msg.FirstTokenAt = &t
	}
	if lastToken.Valid {
		t := fromMillis(lastToken.Int64)
		msg.LastTokenAt = &t
	}
	if tokenCount.Valid {
		v := int(tokenCount.Int64)
		msg.TokenCount = &v
	}
	if tokenRate.Valid {
		v := tokenRate.Float64
		msg.TokenRate = &v
	}
	return &msg, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// truncateMillis matches the precision timestamps are persisted with.
func truncateMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}
