package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/usecase/identity"
	"github.com/m-mizutani/carebot/pkg/usecase/memory"
	"github.com/m-mizutani/carebot/pkg/usecase/router"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxBodyBytes      = 64 << 10
	defaultSessionTTL = 24 * time.Hour
)

// Deps are the use cases exposed over HTTP.
type Deps struct {
	Router   *router.Router
	Memory   *memory.Store
	Gateway  interfaces.LLMGateway
	Profiles interfaces.ProfileStore
	Resolver *identity.Resolver
	Gatherer prometheus.Gatherer

	// MCP is mounted on /mcp behind the admin token when set.
	MCP http.Handler

	// AdminToken protects every route except chat, health and metrics.
	AdminToken string
}

// userDataDeleter is implemented by profile stores that can forget a user.
type userDataDeleter interface {
	DeleteUserData(ctx context.Context, user model.UserID) error
}

type Server struct {
	deps Deps
	mux  *chi.Mux
}

func New(deps Deps) *Server {
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recovery)

	r.Get("/health", s.health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if deps.MCP != nil {
		r.With(BearerAuth(deps.AdminToken)).Handle("/mcp", deps.MCP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", s.chat)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.AdminToken))

			r.Post("/sessions", s.createSession)
			r.Post("/memories/cleanup", s.cleanupMemories)
			r.Delete("/memories/{id}", s.deleteMemory)

			r.Route("/users/{userID}", func(r chi.Router) {
				r.Get("/memories", s.listMemories)
				r.Post("/memories", s.insertMemory)
				r.Delete("/memories", s.purgeMemories)
				r.Get("/preferences", s.getPreferences)
				r.Put("/preferences/{key}", s.putPreference)
			})
		})
	})

	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("http server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- goerr.Wrap(err, "http server failed", goerr.V("addr", addr))
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shutdown http server")
	}
	logging.From(ctx).Info("http server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Memory != nil {
		resp["memory_owners"] = len(s.deps.Memory.Owners())
	}
	writeJSON(w, http.StatusOK, resp)
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Text       string               `json:"text"`
	Identity   model.IdentityKind   `json:"identity"`
	UserID     model.UserID         `json:"user_id,omitempty"`
	SessionID  model.SessionID      `json:"session_id,omitempty"`
	Category   model.IntentCategory `json:"category,omitempty"`
	Confidence float64              `json:"confidence,omitempty"`
	Handler    string               `json:"handler,omitempty"`
}

// chat answers a message. The bearer token, if any, is a session token and
// invalid tokens silently fall back to a guest.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	reply := s.deps.Router.Reply(r.Context(), &router.Request{
		Token:   model.SessionToken(bearerToken(r)),
		Message: req.Message,
	})

	resp := chatResponse{Text: reply.Text}
	if reply.Identity != nil {
		resp.Identity = reply.Identity.Kind
		resp.UserID = reply.Identity.UserID
		resp.SessionID = reply.Identity.SessionID
	}
	if reply.Classification != nil {
		resp.Category = reply.Classification.Category
		resp.Confidence = reply.Classification.Confidence
	}
	resp.Handler = reply.Handler

	writeJSON(w, http.StatusOK, resp)
}

type sessionRequest struct {
	UserID     model.UserID `json:"user_id"`
	TTLMinutes int          `json:"ttl_minutes"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TTLMinutes < 0 {
		writeError(w, http.StatusBadRequest, "ttl_minutes must not be negative")
		return
	}

	ttl := defaultSessionTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	session, err := s.deps.Resolver.Login(r.Context(), req.UserID, ttl)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type insertMemoryRequest struct {
	Content    string           `json:"content"`
	Kind       model.MemoryKind `json:"kind"`
	SourceTag  string           `json:"source_tag"`
	Importance *float64         `json:"importance"`
	SessionID  model.SessionID  `json:"session_id"`
}

// insertMemory stores an explicit fact about the user. Kind defaults to
// knowledge.
func (s *Server) insertMemory(w http.ResponseWriter, r *http.Request) {
	owner := model.UserID(chi.URLParam(r, "userID"))

	var req insertMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Kind == "" {
		req.Kind = model.MemoryKindKnowledge
	}
	if req.SourceTag == "" {
		req.SourceTag = "api"
	}

	importance := memory.Importance(memory.ImportanceInput{Role: model.RoleUser, Content: req.Content})
	if req.Importance != nil {
		importance = *req.Importance
	}

	embedding, err := s.deps.Gateway.Embed(r.Context(), req.Content)
	if err != nil {
		logging.From(r.Context()).Error("failed to embed memory", "error", err)
		writeError(w, http.StatusBadGateway, "embedding is unavailable")
		return
	}

	doc, err := s.deps.Memory.Insert(r.Context(), memory.InsertInput{
		Content:    req.Content,
		Embedding:  embedding,
		OwnerID:    owner,
		SessionID:  req.SessionID,
		Kind:       req.Kind,
		SourceTag:  req.SourceTag,
		Importance: importance,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, withoutEmbedding(doc))
}

func (s *Server) listMemories(w http.ResponseWriter, r *http.Request) {
	owner := model.UserID(chi.URLParam(r, "userID"))
	docs := s.deps.Memory.List(owner)

	out := make([]*model.MemoryDocument, 0, len(docs))
	for _, doc := range docs {
		out = append(out, withoutEmbedding(doc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out})
}

func (s *Server) purgeMemories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := model.UserID(chi.URLParam(r, "userID"))

	n, err := s.deps.Memory.Purge(ctx, owner)
	if err != nil {
		handleError(w, r, err)
		return
	}

	if d, ok := s.deps.Profiles.(userDataDeleter); ok {
		if err := d.DeleteUserData(ctx, owner); err != nil {
			handleError(w, r, err)
			return
		}
	}

	logging.From(ctx).Info("user memory purged", "owner", owner, "removed", n)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) deleteMemory(w http.ResponseWriter, r *http.Request) {
	id := model.MemoryID(chi.URLParam(r, "id"))
	if err := s.deps.Memory.Delete(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cleanupRequest struct {
	MaxAgeDays int `json:"max_age_days"`
}

func (s *Server) cleanupMemories(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	n, err := s.deps.Memory.CleanupAll(r.Context(), req.MaxAgeDays)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	owner := model.UserID(chi.URLParam(r, "userID"))
	prefs, err := s.deps.Profiles.GetPreferences(r.Context(), owner)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if prefs == nil {
		prefs = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

type preferenceRequest struct {
	Value string `json:"value"`
}

func (s *Server) putPreference(w http.ResponseWriter, r *http.Request) {
	owner := model.UserID(chi.URLParam(r, "userID"))
	key := chi.URLParam(r, "key")

	var req preferenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.deps.Profiles.PutPreference(r.Context(), owner, key, req.Value); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func withoutEmbedding(doc *model.MemoryDocument) *model.MemoryDocument {
	c := *doc
	c.Embedding = nil
	return &c
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// handleError maps domain errors to status codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, model.ErrDimensionMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logging.From(r.Context()).Error("request failed", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent, so the client only sees a truncated body.
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Default().Error("failed to encode response", "error", err, "status", status)
	}
}

// WriteJSONForTest exposes writeJSON to tests.
func WriteJSONForTest(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
