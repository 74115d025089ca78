package model

import (
	"time"

	"github.com/google/uuid"
)

type MessageID string

// NewMessageID generates a new unique MessageID
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of the short-term transcript.
type Message struct {
	ID        MessageID         `json:"id"`
	UserID    UserID            `json:"user_id"`
	SessionID SessionID         `json:"session_id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ContextBundle is the request-scoped context handed to a handler. It is
// never persisted.
type ContextBundle struct {
	RecentTranscript    string `json:"recent_transcript"`
	RelevantHistory     string `json:"relevant_history"`
	PreferencesSnapshot string `json:"preferences_snapshot"`
	RollingSummary      string `json:"rolling_summary"`
}

// IsEmpty reports whether every field of the bundle is empty.
func (x *ContextBundle) IsEmpty() bool {
	return x == nil || (x.RecentTranscript == "" &&
		x.RelevantHistory == "" &&
		x.PreferencesSnapshot == "" &&
		x.RollingSummary == "")
}

// Interaction is an audit record of a single routed request.
type Interaction struct {
	ID               string         `json:"id" bigquery:"id"`
	Timestamp        time.Time      `json:"timestamp" bigquery:"timestamp"`
	IdentityKind     IdentityKind   `json:"identity_kind" bigquery:"identity_kind"`
	UserID           UserID         `json:"user_id" bigquery:"user_id"`
	SessionID        SessionID      `json:"session_id" bigquery:"session_id"`
	Category         IntentCategory `json:"category" bigquery:"category"`
	Confidence       float64        `json:"confidence" bigquery:"confidence"`
	Fallback         bool           `json:"fallback" bigquery:"fallback"`
	Handler          string         `json:"handler" bigquery:"handler"`
	BookingTriggered bool           `json:"booking_triggered" bigquery:"booking_triggered"`
	Degraded         bool           `json:"degraded" bigquery:"degraded"`
	Latency          time.Duration  `json:"latency" bigquery:"-"`
	LatencyMS        int64          `json:"-" bigquery:"latency_ms"`
}
