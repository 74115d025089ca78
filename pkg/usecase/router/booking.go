package router

import (
	"context"
	_ "embed"
	"strings"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/metrics"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/usecase/memory"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
)

//go:embed prompt/booking.md
var bookingSystemPrompt string

// BookingTriggers are phrases in generated text that commit a booking.
var BookingTriggers = []string{
	"book the appointment",
	"confirm the booking",
	"reserve the slot",
}

// HasBookingTrigger reports whether text contains a trigger phrase,
// ignoring case.
func HasBookingTrigger(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range BookingTriggers {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// BookingHandler handles booking and modification requests. When the
// generated reply commits to a booking, it calls the domain service and
// appends the result.
type BookingHandler struct {
	gen      generator
	domain   interfaces.DomainActionService
	recorder *memory.Recorder
	metrics  *metrics.Metrics
}

func NewBookingHandler(gateway interfaces.LLMGateway, domain interfaces.DomainActionService, recorder *memory.Recorder, m *metrics.Metrics) *BookingHandler {
	return &BookingHandler{
		gen:      generator{gateway: gateway},
		domain:   domain,
		recorder: recorder,
		metrics:  m,
	}
}

func (h *BookingHandler) Name() string { return "booking" }

func (h *BookingHandler) Handle(ctx context.Context, req *HandlerRequest) *Outcome {
	return contain(ctx, h.Name(), ApologyBooking, h.metrics, func() (*Outcome, error) {
		text, err := h.gen.generate(ctx, h.Name(), req, bookingSystemPrompt)
		if err != nil {
			return nil, err
		}

		if !HasBookingTrigger(text) {
			return &Outcome{Text: text}, nil
		}

		logger := logging.From(ctx)
		if !req.Capabilities.Has(model.CapBookingAction) || h.domain == nil {
			logger.Info("booking trigger ignored: booking action not permitted",
				"user_id", req.Identity.UserID,
				"capabilities", req.Capabilities.String(),
			)
			return &Outcome{Text: text}, nil
		}

		result := h.book(ctx, req)
		return &Outcome{
			Text:             text + "\n\n" + result.Render(),
			BookingTriggered: true,
		}, nil
	})
}

// book never fails; a domain error is rendered as an unavailable result.
func (h *BookingHandler) book(ctx context.Context, req *HandlerRequest) *model.BookingResult {
	breq := &model.BookingRequest{
		UserID:    req.Identity.UserID,
		SessionID: req.Identity.SessionID,
		Message:   req.Message,
	}
	if req.Classification != nil {
		breq.Entities = req.Classification.Entities
	}

	result, err := h.domain.Book(ctx, breq)
	if err != nil || result == nil {
		logging.From(ctx).Error("booking action failed", "error", err, "user_id", req.Identity.UserID)
		return &model.BookingResult{
			Status: model.BookingUnavailable,
			Reason: "the booking system is not reachable, please contact reception",
		}
	}

	if result.Status == model.BookingConfirmed && h.recorder != nil && req.Capabilities.Has(model.CapMemoryRecord) {
		h.recorder.Record(ctx, memory.RecordInput{
			OwnerID:   req.Identity.UserID,
			SessionID: req.Identity.SessionID,
			Role:      model.RoleSystem,
			Category:  model.IntentBooking,
			Content:   result.Render(),
			Kind:      model.MemoryKindStructured,
			SourceTag: "booking",
		})
	}

	return result
}
