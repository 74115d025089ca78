package model

import (
	"time"

	"github.com/google/uuid"
)

type UserID string

// NewUserID generates a new unique UserID
func NewUserID() UserID {
	return UserID(uuid.New().String())
}

type SessionID string

// NewSessionID generates a new unique SessionID
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

type SessionToken string

// NewSessionToken generates a new opaque session token
func NewSessionToken() SessionToken {
	return SessionToken(uuid.New().String())
}

type IdentityKind string

const (
	IdentityKindGuest         IdentityKind = "guest"
	IdentityKindAuthenticated IdentityKind = "authenticated"
)

// Identity is the resolved caller of a single request.
type Identity struct {
	Kind      IdentityKind `json:"kind"`
	UserID    UserID       `json:"user_id"`
	SessionID SessionID    `json:"session_id"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// NewGuestIdentity creates an anonymous identity with fresh user and session IDs.
func NewGuestIdentity(now time.Time, ttl time.Duration) *Identity {
	return &Identity{
		Kind:      IdentityKindGuest,
		UserID:    NewUserID(),
		SessionID: NewSessionID(),
		ExpiresAt: now.Add(ttl),
	}
}

func (x *Identity) IsGuest() bool {
	return x.Kind == IdentityKindGuest
}

// Session is a persisted authenticated session bound to a token.
type Session struct {
	Token     SessionToken `json:"token"`
	UserID    UserID       `json:"user_id"`
	SessionID SessionID    `json:"session_id"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at now.
func (x *Session) Expired(now time.Time) bool {
	return !x.ExpiresAt.IsZero() && !now.Before(x.ExpiresAt)
}
