package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	user_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	metadata   TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
CREATE TABLE IF NOT EXISTS preferences (
	user_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, key)
);
CREATE TABLE IF NOT EXISTS summaries (
	session_id TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	summary    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLite stores sessions, transcripts, preferences and rolling summaries.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ interfaces.SessionStore = &SQLite{}
	_ interfaces.ProfileStore = &SQLite{}
)

type SQLiteOption func(*SQLite)

func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLite) {
		s.now = now
	}
}

// NewSQLite opens or creates the database at path and applies the schema.
func NewSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", path))
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", path))
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to init schema", goerr.V("path", path))
	}

	s := &SQLite{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateSession(ctx context.Context, session *model.Session) error {
	if session.Token == "" || session.UserID == "" || session.SessionID == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "token, user and session are required")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, user_id, session_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(session.Token), string(session.UserID), string(session.SessionID),
		session.CreatedAt.UnixNano(), session.ExpiresAt.UnixNano())
	if err != nil {
		return goerr.Wrap(err, "failed to insert session", goerr.V("user_id", session.UserID))
	}
	return nil
}

func (s *SQLite) ValidateToken(ctx context.Context, token model.SessionToken) (*model.Session, error) {
	var (
		session              model.Session
		userID, sessionID    string
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, session_id, created_at, expires_at FROM sessions WHERE token = ?
	`, string(token)).Scan(&userID, &sessionID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrNotFound, "session token not found")
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get session")
	}

	session.Token = token
	session.UserID = model.UserID(userID)
	session.SessionID = model.SessionID(sessionID)
	session.CreatedAt = time.Unix(0, createdAt)
	session.ExpiresAt = time.Unix(0, expiresAt)

	if session.Expired(s.now()) {
		return nil, goerr.Wrap(model.ErrSessionExpired, "session expired",
			goerr.V("user_id", session.UserID), goerr.V("expires_at", session.ExpiresAt))
	}
	return &session, nil
}

func (s *SQLite) AddMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = model.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	var metadata sql.NullString
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return goerr.Wrap(err, "failed to marshal message metadata")
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, user_id, session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(msg.ID), string(msg.UserID), string(msg.SessionID), string(msg.Role),
		msg.Content, metadata, msg.CreatedAt.UnixNano())
	if err != nil {
		return goerr.Wrap(err, "failed to insert message", goerr.V("session_id", msg.SessionID))
	}
	return nil
}

func (s *SQLite) ListRecentMessages(ctx context.Context, session model.SessionID, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, role, content, metadata, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq DESC LIMIT ?
	`, string(session), limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query messages", goerr.V("session_id", session))
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		var (
			msg                         model.Message
			id, userID, sessionID, role string
			metadata                    sql.NullString
			createdAt                   int64
		)
		if err := rows.Scan(&id, &userID, &sessionID, &role, &msg.Content, &metadata, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan message")
		}
		msg.ID = model.MessageID(id)
		msg.UserID = model.UserID(userID)
		msg.SessionID = model.SessionID(sessionID)
		msg.Role = model.Role(role)
		msg.CreatedAt = time.Unix(0, createdAt)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, goerr.Wrap(err, "failed to unmarshal message metadata", goerr.V("id", id))
			}
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate messages")
	}

	// oldest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLite) GetRecentTranscript(ctx context.Context, session model.SessionID, limit int) (string, error) {
	msgs, err := s.ListRecentMessages(ctx, session, limit)
	if err != nil {
		return "", err
	}
	return FormatTranscript(msgs), nil
}

// FormatTranscript renders messages as "role: content" lines.
func FormatTranscript(msgs []*model.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		lines = append(lines, string(msg.Role)+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

func (s *SQLite) GetPreferences(ctx context.Context, user model.UserID) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM preferences WHERE user_id = ?`, string(user))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query preferences", goerr.V("user_id", user))
	}
	defer rows.Close()

	prefs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, goerr.Wrap(err, "failed to scan preference")
		}
		prefs[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate preferences")
	}
	return prefs, nil
}

func (s *SQLite) PutPreference(ctx context.Context, user model.UserID, key, value string) error {
	if key == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "preference key is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, string(user), key, value, s.now().UnixNano())
	if err != nil {
		return goerr.Wrap(err, "failed to put preference", goerr.V("user_id", user), goerr.V("key", key))
	}
	return nil
}

func (s *SQLite) GetSummary(ctx context.Context, session model.SessionID) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM summaries WHERE session_id = ?`, string(session)).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", goerr.Wrap(err, "failed to get summary", goerr.V("session_id", session))
	}
	return summary, nil
}

func (s *SQLite) PutSummary(ctx context.Context, user model.UserID, session model.SessionID, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (session_id, user_id, summary, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at
	`, string(session), string(user), summary, s.now().UnixNano())
	if err != nil {
		return goerr.Wrap(err, "failed to put summary", goerr.V("session_id", session))
	}
	return nil
}

// DeleteUserData removes transcript, preferences and summaries of a user.
func (s *SQLite) DeleteUserData(ctx context.Context, user model.UserID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE user_id = ?`,
		`DELETE FROM preferences WHERE user_id = ?`,
		`DELETE FROM summaries WHERE user_id = ?`,
		`DELETE FROM sessions WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, string(user)); err != nil {
			return goerr.Wrap(err, "failed to delete user data", goerr.V("user_id", user))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit user data deletion")
	}
	return nil
}
