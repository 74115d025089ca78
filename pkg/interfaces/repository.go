package interfaces

import (
	"context"

	"github.com/m-mizutani/carebot/pkg/model"
)

// MemoryRepository persists memory documents. The memory store keeps its
// own partition index on top of it, so implementations only need to be
// durable, not searchable.
type MemoryRepository interface {
	PutMemory(ctx context.Context, doc *model.MemoryDocument) error
	ListMemories(ctx context.Context, owner model.UserID) ([]*model.MemoryDocument, error)
	ListOwners(ctx context.Context) ([]model.UserID, error)
	DeleteMemory(ctx context.Context, owner model.UserID, id model.MemoryID) error
}

// SessionStore holds authenticated sessions and the short-term transcript.
type SessionStore interface {
	// ValidateToken returns the session bound to token. It returns
	// model.ErrNotFound for unknown tokens and model.ErrSessionExpired for
	// expired ones.
	ValidateToken(ctx context.Context, token model.SessionToken) (*model.Session, error)
	CreateSession(ctx context.Context, session *model.Session) error

	AddMessage(ctx context.Context, msg *model.Message) error
	// ListRecentMessages returns up to limit messages of the session, oldest first.
	ListRecentMessages(ctx context.Context, session model.SessionID, limit int) ([]*model.Message, error)
	// GetRecentTranscript renders up to limit recent messages as "role: content" lines.
	GetRecentTranscript(ctx context.Context, session model.SessionID, limit int) (string, error)
}

// ProfileStore holds per-user preferences and per-session rolling summaries.
type ProfileStore interface {
	GetPreferences(ctx context.Context, user model.UserID) (map[string]string, error)
	PutPreference(ctx context.Context, user model.UserID, key, value string) error
	GetSummary(ctx context.Context, session model.SessionID) (string, error)
	PutSummary(ctx context.Context, user model.UserID, session model.SessionID, summary string) error
}

// AuditSink receives one record per routed request.
type AuditSink interface {
	RecordInteraction(ctx context.Context, record *model.Interaction) error
}
