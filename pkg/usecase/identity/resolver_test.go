package identity_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/carebot/pkg/mock"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/repository"
	"github.com/m-mizutani/carebot/pkg/usecase/identity"
	"github.com/m-mizutani/gt"
)

func TestResolveWithoutToken(t *testing.T) {
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	r := identity.New(&mock.SessionStore{}, identity.WithClock(func() time.Time { return now }))

	a := r.Resolve(context.Background(), "")
	b := r.Resolve(context.Background(), "   ")

	gt.True(t, a.IsGuest())
	gt.True(t, b.IsGuest())
	gt.NotEqual(t, a.UserID, b.UserID)
	gt.NotEqual(t, a.SessionID, b.SessionID)
	gt.True(t, a.ExpiresAt.Equal(now.Add(2*time.Hour)))
}

func TestResolveFallsBackToGuest(t *testing.T) {
	testCases := []struct {
		name     string
		validate func(ctx context.Context, token model.SessionToken) (*model.Session, error)
	}{
		{
			name: "unknown token",
			validate: func(ctx context.Context, token model.SessionToken) (*model.Session, error) {
				return nil, model.ErrNotFound
			},
		},
		{
			name: "store error",
			validate: func(ctx context.Context, token model.SessionToken) (*model.Session, error) {
				return nil, errors.New("connection reset")
			},
		},
		{
			name: "expired session",
			validate: func(ctx context.Context, token model.SessionToken) (*model.Session, error) {
				return &model.Session{UserID: "u", SessionID: "s", ExpiresAt: time.Now().Add(-time.Minute)}, nil
			},
		},
		{
			name: "incomplete session",
			validate: func(ctx context.Context, token model.SessionToken) (*model.Session, error) {
				return &model.Session{}, nil
			},
		},
		{
			name: "panicking store",
			validate: func(ctx context.Context, token model.SessionToken) (*model.Session, error) {
				panic("boom")
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := identity.New(&mock.SessionStore{ValidateTokenFunc: tc.validate})
			id := r.Resolve(context.Background(), "some-token")
			gt.V(t, id).NotNil()
			gt.True(t, id.IsGuest())
			gt.NotEqual(t, id.UserID, "")
		})
	}
}

func TestResolveAuthenticated(t *testing.T) {
	ctx := context.Background()
	db, err := repository.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	gt.NoError(t, err)
	defer db.Close()

	r := identity.New(db)
	user := model.NewUserID()
	session, err := r.Login(ctx, user, time.Hour)
	gt.NoError(t, err)

	id := r.Resolve(ctx, session.Token)
	gt.Equal(t, id.Kind, model.IdentityKindAuthenticated)
	gt.Equal(t, id.UserID, user)
	gt.Equal(t, id.SessionID, session.SessionID)

	_, err = r.Login(ctx, "", time.Hour)
	gt.True(t, errors.Is(err, model.ErrInvalidArgument))
}
