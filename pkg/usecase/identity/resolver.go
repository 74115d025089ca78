package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/metrics"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const DefaultGuestTTL = 2 * time.Hour

// Resolver maps an optional session token to the identity of the caller.
type Resolver struct {
	sessions interfaces.SessionStore
	guestTTL time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
}

type Option func(*Resolver)

func WithGuestTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		r.guestTTL = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

func New(sessions interfaces.SessionStore, opts ...Option) *Resolver {
	r := &Resolver{
		sessions: sessions,
		guestTTL: DefaultGuestTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve never fails: a missing or unusable token yields a fresh guest.
func (r *Resolver) Resolve(ctx context.Context, token model.SessionToken) *model.Identity {
	token = model.SessionToken(strings.TrimSpace(string(token)))
	if token == "" {
		return model.NewGuestIdentity(r.now(), r.guestTTL)
	}

	session, err := r.validate(ctx, token)
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, model.ErrSessionExpired):
			reason = "expired"
		case errors.Is(err, model.ErrNotFound):
			reason = "unknown"
		}
		r.metrics.IdentityFallback(reason)
		logging.From(ctx).Warn("token validation failed, continue as guest",
			"error", goerr.Wrap(model.ErrIdentityResolution, "failed to validate token", goerr.V("cause", err.Error())),
			"reason", reason)
		return model.NewGuestIdentity(r.now(), r.guestTTL)
	}

	return &model.Identity{
		Kind:      model.IdentityKindAuthenticated,
		UserID:    session.UserID,
		SessionID: session.SessionID,
		ExpiresAt: session.ExpiresAt,
	}
}

func (r *Resolver) validate(ctx context.Context, token model.SessionToken) (session *model.Session, err error) {
	defer func() {
		if v := recover(); v != nil {
			session, err = nil, goerr.New("panic in token validation", goerr.V("panic", v))
		}
	}()

	session, err = r.sessions.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if session == nil || session.UserID == "" || session.SessionID == "" {
		return nil, goerr.New("token resolved to an incomplete session")
	}
	if session.Expired(r.now()) {
		return nil, goerr.Wrap(model.ErrSessionExpired, "session expired")
	}
	return session, nil
}

// Login mints an authenticated session for user and returns its token.
func (r *Resolver) Login(ctx context.Context, user model.UserID, ttl time.Duration) (*model.Session, error) {
	if user == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "user is required")
	}

	now := r.now()
	session := &model.Session{
		Token:     model.NewSessionToken(),
		UserID:    user,
		SessionID: model.NewSessionID(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := r.sessions.CreateSession(ctx, session); err != nil {
		return nil, goerr.Wrap(err, "failed to create session", goerr.V("user", user))
	}
	return session, nil
}
