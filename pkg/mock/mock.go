// Package mock provides function-field mocks of the interfaces package for tests.
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

type LLMGateway struct {
	GenerateFunc       func(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error)
	EmbedFunc          func(ctx context.Context, text string) ([]float32, error)
	ClassifyIntentFunc func(ctx context.Context, message, priorContext string) (string, error)
}

var _ interfaces.LLMGateway = &LLMGateway{}

func (m *LLMGateway) Generate(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
	if m.GenerateFunc == nil {
		return nil, goerr.New("Generate is not mocked")
	}
	return m.GenerateFunc(ctx, input)
}

func (m *LLMGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc == nil {
		return nil, goerr.New("Embed is not mocked")
	}
	return m.EmbedFunc(ctx, text)
}

func (m *LLMGateway) ClassifyIntent(ctx context.Context, message, priorContext string) (string, error) {
	if m.ClassifyIntentFunc == nil {
		return "", goerr.New("ClassifyIntent is not mocked")
	}
	return m.ClassifyIntentFunc(ctx, message, priorContext)
}

type SessionStore struct {
	ValidateTokenFunc       func(ctx context.Context, token model.SessionToken) (*model.Session, error)
	CreateSessionFunc       func(ctx context.Context, session *model.Session) error
	AddMessageFunc          func(ctx context.Context, msg *model.Message) error
	ListRecentMessagesFunc  func(ctx context.Context, session model.SessionID, limit int) ([]*model.Message, error)
	GetRecentTranscriptFunc func(ctx context.Context, session model.SessionID, limit int) (string, error)
}

var _ interfaces.SessionStore = &SessionStore{}

func (m *SessionStore) ValidateToken(ctx context.Context, token model.SessionToken) (*model.Session, error) {
	if m.ValidateTokenFunc == nil {
		return nil, model.ErrNotFound
	}
	return m.ValidateTokenFunc(ctx, token)
}

func (m *SessionStore) CreateSession(ctx context.Context, session *model.Session) error {
	if m.CreateSessionFunc == nil {
		return nil
	}
	return m.CreateSessionFunc(ctx, session)
}

func (m *SessionStore) AddMessage(ctx context.Context, msg *model.Message) error {
	if m.AddMessageFunc == nil {
		return nil
	}
	return m.AddMessageFunc(ctx, msg)
}

func (m *SessionStore) ListRecentMessages(ctx context.Context, session model.SessionID, limit int) ([]*model.Message, error) {
	if m.ListRecentMessagesFunc == nil {
		return nil, nil
	}
	return m.ListRecentMessagesFunc(ctx, session, limit)
}

func (m *SessionStore) GetRecentTranscript(ctx context.Context, session model.SessionID, limit int) (string, error) {
	if m.GetRecentTranscriptFunc == nil {
		return "", nil
	}
	return m.GetRecentTranscriptFunc(ctx, session, limit)
}

type ProfileStore struct {
	GetPreferencesFunc func(ctx context.Context, user model.UserID) (map[string]string, error)
	PutPreferenceFunc  func(ctx context.Context, user model.UserID, key, value string) error
	GetSummaryFunc     func(ctx context.Context, session model.SessionID) (string, error)
	PutSummaryFunc     func(ctx context.Context, user model.UserID, session model.SessionID, summary string) error
}

var _ interfaces.ProfileStore = &ProfileStore{}

func (m *ProfileStore) GetPreferences(ctx context.Context, user model.UserID) (map[string]string, error) {
	if m.GetPreferencesFunc == nil {
		return nil, nil
	}
	return m.GetPreferencesFunc(ctx, user)
}

func (m *ProfileStore) PutPreference(ctx context.Context, user model.UserID, key, value string) error {
	if m.PutPreferenceFunc == nil {
		return nil
	}
	return m.PutPreferenceFunc(ctx, user, key, value)
}

func (m *ProfileStore) GetSummary(ctx context.Context, session model.SessionID) (string, error) {
	if m.GetSummaryFunc == nil {
		return "", nil
	}
	return m.GetSummaryFunc(ctx, session)
}

func (m *ProfileStore) PutSummary(ctx context.Context, user model.UserID, session model.SessionID, summary string) error {
	if m.PutSummaryFunc == nil {
		return nil
	}
	return m.PutSummaryFunc(ctx, user, session, summary)
}

type DomainActionService struct {
	BookFunc         func(ctx context.Context, req *model.BookingRequest) (*model.BookingResult, error)
	AvailabilityFunc func(ctx context.Context, specialty string) ([]*model.Slot, error)
	DoctorsFunc      func(ctx context.Context) ([]*model.Doctor, error)
	FAQFunc          func(ctx context.Context) (map[string]string, error)
}

var _ interfaces.DomainActionService = &DomainActionService{}

func (m *DomainActionService) Book(ctx context.Context, req *model.BookingRequest) (*model.BookingResult, error) {
	if m.BookFunc == nil {
		return nil, goerr.New("Book is not mocked")
	}
	return m.BookFunc(ctx, req)
}

func (m *DomainActionService) Availability(ctx context.Context, specialty string) ([]*model.Slot, error) {
	if m.AvailabilityFunc == nil {
		return nil, nil
	}
	return m.AvailabilityFunc(ctx, specialty)
}

func (m *DomainActionService) Doctors(ctx context.Context) ([]*model.Doctor, error) {
	if m.DoctorsFunc == nil {
		return nil, nil
	}
	return m.DoctorsFunc(ctx)
}

func (m *DomainActionService) FAQ(ctx context.Context) (map[string]string, error) {
	if m.FAQFunc == nil {
		return nil, nil
	}
	return m.FAQFunc(ctx)
}

// AuditSink collects records in memory.
type AuditSink struct {
	mu      sync.Mutex
	Records []*model.Interaction
	Err     error
}

var _ interfaces.AuditSink = &AuditSink{}

func (m *AuditSink) RecordInteraction(ctx context.Context, record *model.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, record)
	return m.Err
}

// Storage keeps written objects in memory.
type Storage struct {
	mu      sync.Mutex
	Objects map[string][]byte
}

func NewStorage() *Storage {
	return &Storage{Objects: make(map[string][]byte)}
}

type storageWriter struct {
	s   *Storage
	key string
	buf []byte
}

func (w *storageWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *storageWriter) Close() error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	w.s.Objects[w.key] = w.buf
	return nil
}

func (m *Storage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	return &storageWriter{s: m, key: key}, nil
}

func (m *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Objects[key]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "object not found", goerr.V("key", key))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

