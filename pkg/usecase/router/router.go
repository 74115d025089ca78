package router

import (
	"context"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/metrics"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/policy"
	"github.com/m-mizutani/carebot/pkg/usecase/assembler"
	"github.com/m-mizutani/carebot/pkg/usecase/identity"
	"github.com/m-mizutani/carebot/pkg/usecase/memory"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	ApologyGeneric      = "I'm sorry, something went wrong while handling your message. Please try again in a moment."
	ApologyBooking      = "I'm sorry, I couldn't process your booking request right now. Please try again shortly or call the clinic reception."
	ApologyAvailability = "I'm sorry, I couldn't check the doctors' availability right now. Please try again shortly."
	ApologyInformation  = "I'm sorry, I couldn't look up that information right now. Please try again shortly."
	ApologyGeneral      = "I'm sorry, I'm having trouble answering right now. Please try again shortly."

	// EmptyMessageReply is returned for blank input without running the pipeline.
	EmptyMessageReply = "How can I help you today? You can ask about doctors, availability or booking an appointment."
)

// CapabilityPolicy decides what a request may do.
type CapabilityPolicy interface {
	Capabilities(ctx context.Context, input *policy.Input) (model.Capability, error)
}

// Deps are the collaborators of the router. Resolver, Assembler, Gateway
// and Sessions are required; the rest may be nil.
type Deps struct {
	Resolver  *identity.Resolver
	Assembler *assembler.Assembler
	Gateway   interfaces.LLMGateway
	Sessions  interfaces.SessionStore

	Recorder  *memory.Recorder
	Refresher assembler.SummaryRefresher
	Policy    CapabilityPolicy
	Domain    interfaces.DomainActionService
	Audit     interfaces.AuditSink
	Metrics   *metrics.Metrics
}

// Router runs the request pipeline. Its entry points never fail.
type Router struct {
	deps Deps
	now  func() time.Time

	booking      Handler
	availability Handler
	information  Handler
	general      Handler
}

type Option func(*Router)

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// WithHandler replaces the handler serving the given name: booking,
// availability, information or general.
func WithHandler(h Handler) Option {
	return func(r *Router) {
		switch h.Name() {
		case "booking":
			r.booking = h
		case "availability":
			r.availability = h
		case "information":
			r.information = h
		default:
			r.general = h
		}
	}
}

func New(deps Deps, opts ...Option) *Router {
	r := &Router{
		deps:         deps,
		now:          time.Now,
		booking:      NewBookingHandler(deps.Gateway, deps.Domain, deps.Recorder, deps.Metrics),
		availability: NewAvailabilityHandler(deps.Gateway, deps.Domain, deps.Metrics),
		information:  NewInformationHandler(deps.Gateway, deps.Domain, deps.Metrics),
		general:      NewGeneralHandler(deps.Gateway, deps.Metrics),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type Request struct {
	Token   model.SessionToken
	Message string
}

type Reply struct {
	Text           string                     `json:"text"`
	Identity       *model.Identity            `json:"identity,omitempty"`
	Classification *model.IntentClassification `json:"classification,omitempty"`
	Handler        string                     `json:"handler,omitempty"`
}

// Handle answers message on behalf of the session bound to token.
func (r *Router) Handle(ctx context.Context, token, message string) string {
	return r.Reply(ctx, &Request{Token: model.SessionToken(token), Message: message}).Text
}

// Reply runs the pipeline and returns the answer with request details.
// The returned reply always has non-empty text.
func (r *Router) Reply(ctx context.Context, req *Request) (reply *Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Metrics.UnexpectedFailure()
			logging.From(ctx).Error("router panicked",
				"error", goerr.Wrap(model.ErrUnexpected, "panic in request pipeline"),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			reply = r.apology(reply)
		}
	}()

	if req == nil || strings.TrimSpace(req.Message) == "" {
		return &Reply{Text: EmptyMessageReply}
	}

	reply, err := r.route(ctx, req)
	if err != nil {
		r.deps.Metrics.UnexpectedFailure()
		logging.From(ctx).Error("request pipeline failed", "error", err)
		return r.apology(reply)
	}
	return reply
}

func (r *Router) apology(reply *Reply) *Reply {
	if reply == nil {
		reply = &Reply{}
	}
	reply.Text = ApologyGeneric
	return reply
}

// trace collects what happened in one request for the audit record.
type trace struct {
	degraded bool
}

func (r *Router) route(ctx context.Context, req *Request) (*Reply, error) {
	started := r.now()

	ident := r.deps.Resolver.Resolve(ctx, req.Token)
	reply := &Reply{Identity: ident}

	logger := logging.From(ctx).With(
		"request_id", uuid.NewString(),
		"user_id", ident.UserID,
		"session_id", ident.SessionID,
		"identity", ident.Kind,
	)
	ctx = logging.With(ctx, logger)

	if err := r.storeMessage(ctx, ident, model.RoleUser, req.Message, nil); err != nil {
		return reply, goerr.Wrap(err, "failed to store inbound message")
	}

	var tr trace
	cls := r.classify(ctx, ident, req.Message, &tr)
	reply.Classification = cls

	caps := r.capabilities(ctx, ident, cls)
	logger.Debug("request classified",
		"category", cls.Category,
		"confidence", cls.Confidence,
		"fallback", cls.Fallback,
		"capabilities", caps.String(),
	)

	if caps.Has(model.CapMemoryRecord) && r.deps.Recorder != nil {
		if doc := r.deps.Recorder.Record(ctx, memory.RecordInput{
			OwnerID:   ident.UserID,
			SessionID: ident.SessionID,
			Role:      model.RoleUser,
			Category:  cls.Category,
			Content:   req.Message,
		}); doc == nil {
			tr.degraded = true
		}
	}

	bundle := r.deps.Assembler.Assemble(ctx, ident.UserID, ident.SessionID, req.Message, caps)

	handler := r.dispatch(cls.Category)
	reply.Handler = handler.Name()
	outcome := handler.Handle(ctx, &HandlerRequest{
		Identity:       ident,
		Message:        req.Message,
		Classification: cls,
		Bundle:         bundle,
		Capabilities:   caps,
	})
	if outcome == nil || strings.TrimSpace(outcome.Text) == "" {
		return reply, goerr.Wrap(model.ErrUnexpected, "handler returned no text", goerr.V("handler", handler.Name()))
	}
	reply.Text = outcome.Text
	r.deps.Metrics.Request(string(cls.Category))

	if err := r.storeMessage(ctx, ident, model.RoleAssistant, outcome.Text, map[string]string{
		"handler":  handler.Name(),
		"category": string(cls.Category),
	}); err != nil {
		logger.Warn("failed to store response", "error", err)
		tr.degraded = true
	}

	if !outcome.Failed && caps.Has(model.CapMemoryRecord) && r.deps.Recorder != nil {
		if doc := r.deps.Recorder.Record(ctx, memory.RecordInput{
			OwnerID:   ident.UserID,
			SessionID: ident.SessionID,
			Role:      model.RoleAssistant,
			Category:  cls.Category,
			Content:   outcome.Text,
		}); doc == nil {
			tr.degraded = true
		}
	}

	if caps.Has(model.CapSummaryRefresh) {
		r.maybeRefreshSummary(ctx, ident)
	}

	r.audit(ctx, &model.Interaction{
		ID:               uuid.NewString(),
		Timestamp:        started,
		IdentityKind:     ident.Kind,
		UserID:           ident.UserID,
		SessionID:        ident.SessionID,
		Category:         cls.Category,
		Confidence:       cls.Confidence,
		Fallback:         cls.Fallback,
		Handler:          handler.Name(),
		BookingTriggered: outcome.BookingTriggered,
		Degraded:         tr.degraded || outcome.Failed,
		Latency:          r.now().Sub(started),
	})

	return reply, nil
}

func (r *Router) storeMessage(ctx context.Context, ident *model.Identity, role model.Role, content string, meta map[string]string) error {
	return r.deps.Sessions.AddMessage(ctx, &model.Message{
		ID:        model.NewMessageID(),
		UserID:    ident.UserID,
		SessionID: ident.SessionID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: r.now(),
	})
}

// classify asks the gateway first and falls back to keyword rules when the
// gateway fails or its output cannot be parsed.
func (r *Router) classify(ctx context.Context, ident *model.Identity, message string, tr *trace) *model.IntentClassification {
	logger := logging.From(ctx)

	transcript, err := r.deps.Sessions.GetRecentTranscript(ctx, ident.SessionID, assembler.DefaultTranscriptLimit)
	if err != nil {
		logger.Warn("classify without transcript", "error", err)
		transcript = ""
		tr.degraded = true
	}

	raw, err := r.deps.Gateway.ClassifyIntent(ctx, message, transcript)
	if err != nil {
		r.deps.Metrics.ClassificationFallback("gateway_error")
		logger.Warn("classifier unavailable, use keyword rules", "error", err)
		return ClassifyByKeyword(message)
	}

	cls, err := model.ParseIntentClassification(raw)
	if err != nil {
		r.deps.Metrics.ClassificationFallback("malformed")
		logger.Warn("classifier output malformed, use keyword rules", "error", err)
		return ClassifyByKeyword(message)
	}
	return cls
}

func (r *Router) capabilities(ctx context.Context, ident *model.Identity, cls *model.IntentClassification) model.Capability {
	if r.deps.Policy == nil {
		return model.CapAll
	}

	caps, err := r.deps.Policy.Capabilities(ctx, &policy.Input{
		IdentityKind: ident.Kind,
		Category:     cls.Category,
		Confidence:   cls.Confidence,
		Fallback:     cls.Fallback,
	})
	if err != nil {
		logging.From(ctx).Warn("capability policy failed, use fallback", "error", err)
		return policy.Fallback
	}
	return caps
}

func (r *Router) dispatch(category model.IntentCategory) Handler {
	switch category {
	case model.IntentBooking, model.IntentModification:
		return r.booking
	case model.IntentAvailability:
		return r.availability
	case model.IntentInformation:
		return r.information
	default:
		return r.general
	}
}

// maybeRefreshSummary refreshes the rolling summary once the recent
// transcript grows beyond assembler.SummaryThreshold characters.
func (r *Router) maybeRefreshSummary(ctx context.Context, ident *model.Identity) {
	if r.deps.Refresher == nil {
		return
	}
	logger := logging.From(ctx)

	transcript, err := r.deps.Sessions.GetRecentTranscript(ctx, ident.SessionID, assembler.DefaultTranscriptLimit)
	if err != nil {
		logger.Warn("skip summary refresh: transcript unavailable", "error", err)
		return
	}
	if utf8.RuneCountInString(transcript) <= assembler.SummaryThreshold {
		return
	}

	if err := r.deps.Refresher.RefreshSummary(ctx, ident.UserID, ident.SessionID); err != nil {
		logger.Warn("failed to refresh summary", "error", err)
	}
}

func (r *Router) audit(ctx context.Context, record *model.Interaction) {
	if r.deps.Audit == nil {
		return
	}
	if err := r.deps.Audit.RecordInteraction(ctx, record); err != nil {
		logging.From(ctx).Warn("failed to record interaction", "error", err)
	}
}
