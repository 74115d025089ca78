package model

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// Finite reports whether every value of v is a finite number.
func Finite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

type MemoryKind string

const (
	MemoryKindConversation MemoryKind = "conversation"
	MemoryKindKnowledge    MemoryKind = "knowledge"
	MemoryKindStructured   MemoryKind = "structured"
)

// Validate checks if the memory kind is valid
func (k MemoryKind) Validate() error {
	switch k {
	case MemoryKindConversation, MemoryKindKnowledge, MemoryKindStructured:
		return nil
	default:
		return goerr.Wrap(ErrInvalidArgument, "unknown memory kind", goerr.V("kind", k))
	}
}

// MemoryDocument is one unit of long-term memory owned by a single user.
// Documents are never updated after insertion.
type MemoryDocument struct {
	ID         MemoryID   `json:"id" firestore:"id"`
	Content    string     `json:"content" firestore:"content"`
	Embedding  []float32  `json:"embedding,omitempty" firestore:"embedding"`
	OwnerID    UserID     `json:"owner_id" firestore:"owner_id"`
	SessionID  SessionID  `json:"session_id" firestore:"session_id"`
	CreatedAt  time.Time  `json:"created_at" firestore:"created_at"`
	Kind       MemoryKind `json:"kind" firestore:"kind"`
	SourceTag  string     `json:"source_tag" firestore:"source_tag"`
	Importance float64    `json:"importance" firestore:"importance"`
}

// Clone returns a copy that shares no memory with x.
func (x *MemoryDocument) Clone() *MemoryDocument {
	c := *x
	c.Embedding = append([]float32(nil), x.Embedding...)
	return &c
}

// ClampImportance limits v to the [0, 1] range. NaN becomes 0.
func ClampImportance(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
