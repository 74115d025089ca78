package router

import (
	"bytes"
	"context"
	_ "embed"
	"runtime/debug"
	"strings"
	"text/template"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/metrics"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/usecase/assembler"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

//go:embed prompt/general.md
var generalSystemPrompt string

//go:embed prompt/availability.md
var availabilityPromptRaw string

//go:embed prompt/information.md
var informationPromptRaw string

var (
	availabilityPromptTmpl = template.Must(template.New("availability").Parse(availabilityPromptRaw))
	informationPromptTmpl  = template.Must(template.New("information").Parse(informationPromptRaw))
)

const (
	maxListedSlots = 10
	slotTimeFormat = "Mon 2006-01-02 15:04"
)

// HandlerRequest is everything a handler may use to answer one message.
type HandlerRequest struct {
	Identity       *model.Identity
	Message        string
	Classification *model.IntentClassification
	Bundle         *model.ContextBundle
	Capabilities   model.Capability
}

// Outcome is the result of a handler. Handlers report failures through
// Failed and always provide Text.
type Outcome struct {
	Text             string
	Failed           bool
	BookingTriggered bool
}

// Handler answers messages of one or more intent categories.
type Handler interface {
	Name() string
	Handle(ctx context.Context, req *HandlerRequest) *Outcome
}

// contain runs fn and turns an error or panic into the handler's apology.
func contain(ctx context.Context, name, apology string, m *metrics.Metrics, fn func() (*Outcome, error)) (out *Outcome) {
	defer func() {
		if r := recover(); r != nil {
			m.HandlerFailure(name)
			logging.From(ctx).Error("handler panicked",
				"handler", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out = &Outcome{Text: apology, Failed: true}
		}
	}()

	out, err := fn()
	if err != nil {
		m.HandlerFailure(name)
		logging.From(ctx).Error("handler failed", "handler", name, "error", err)
		return &Outcome{Text: apology, Failed: true}
	}
	return out
}

// generator requests text from the gateway with the enhanced prompt.
type generator struct {
	gateway interfaces.LLMGateway
}

func (g *generator) generate(ctx context.Context, name string, req *HandlerRequest, system string) (string, error) {
	if !req.Capabilities.Has(model.CapGenerate) {
		return "", goerr.Wrap(model.ErrGeneration, "generation is not permitted", goerr.V("handler", name))
	}

	out, err := g.gateway.Generate(ctx, &interfaces.GenerateInput{
		Prompt:             assembler.BuildEnhancedPrompt(req.Bundle, req.Message, name),
		SystemInstructions: system,
	})
	if err != nil {
		return "", goerr.Wrap(model.ErrGeneration, "failed to generate response",
			goerr.V("handler", name), goerr.V("cause", err.Error()))
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", goerr.Wrap(model.ErrGeneration, "empty response", goerr.V("handler", name))
	}
	return text, nil
}

// GeneralHandler answers anything without a more specific handler.
type GeneralHandler struct {
	gen     generator
	metrics *metrics.Metrics
}

func NewGeneralHandler(gateway interfaces.LLMGateway, m *metrics.Metrics) *GeneralHandler {
	return &GeneralHandler{gen: generator{gateway: gateway}, metrics: m}
}

func (h *GeneralHandler) Name() string { return "general" }

func (h *GeneralHandler) Handle(ctx context.Context, req *HandlerRequest) *Outcome {
	return contain(ctx, h.Name(), ApologyGeneral, h.metrics, func() (*Outcome, error) {
		text, err := h.gen.generate(ctx, h.Name(), req, generalSystemPrompt)
		if err != nil {
			return nil, err
		}
		return &Outcome{Text: text}, nil
	})
}

// AvailabilityHandler answers schedule questions from the open slots of
// the clinic.
type AvailabilityHandler struct {
	gen     generator
	domain  interfaces.DomainActionService
	metrics *metrics.Metrics
}

func NewAvailabilityHandler(gateway interfaces.LLMGateway, domain interfaces.DomainActionService, m *metrics.Metrics) *AvailabilityHandler {
	return &AvailabilityHandler{gen: generator{gateway: gateway}, domain: domain, metrics: m}
}

func (h *AvailabilityHandler) Name() string { return "availability" }

type slotLine struct {
	Doctor    string
	Specialty string
	StartsAt  string
}

func (h *AvailabilityHandler) Handle(ctx context.Context, req *HandlerRequest) *Outcome {
	return contain(ctx, h.Name(), ApologyAvailability, h.metrics, func() (*Outcome, error) {
		system, err := h.systemPrompt(ctx, req)
		if err != nil {
			return nil, err
		}

		text, err := h.gen.generate(ctx, h.Name(), req, system)
		if err != nil {
			return nil, err
		}
		return &Outcome{Text: text}, nil
	})
}

// systemPrompt lists open slots. Domain failures leave the list empty.
func (h *AvailabilityHandler) systemPrompt(ctx context.Context, req *HandlerRequest) (string, error) {
	var lines []slotLine
	if h.domain != nil {
		lines = h.openSlots(ctx, req)
	}

	var buf bytes.Buffer
	if err := availabilityPromptTmpl.Execute(&buf, map[string]any{"Slots": lines}); err != nil {
		return "", goerr.Wrap(err, "failed to render availability prompt")
	}
	return buf.String(), nil
}

func (h *AvailabilityHandler) openSlots(ctx context.Context, req *HandlerRequest) []slotLine {
	doctors, err := h.domain.Doctors(ctx)
	if err != nil {
		logging.From(ctx).Warn("failed to list doctors", "error", err)
		return nil
	}
	byID := make(map[string]*model.Doctor, len(doctors))
	for _, d := range doctors {
		byID[d.ID] = d
	}

	// narrow down by the first specialty the message mentions
	specialty := ""
	texts := []string{req.Message}
	if req.Classification != nil {
		texts = append(texts, req.Classification.Entities...)
	}
	for _, d := range doctors {
		if mentions(texts, d.Specialty, d.Name) || mentions(texts, d.Keywords...) {
			specialty = d.Specialty
			break
		}
	}

	slots, err := h.domain.Availability(ctx, specialty)
	if err != nil {
		logging.From(ctx).Warn("failed to get availability", "error", err, "specialty", specialty)
		return nil
	}

	var lines []slotLine
	for _, s := range slots {
		if len(lines) >= maxListedSlots {
			break
		}
		d, ok := byID[s.DoctorID]
		if !ok {
			continue
		}
		lines = append(lines, slotLine{
			Doctor:    d.Name,
			Specialty: d.Specialty,
			StartsAt:  s.StartsAt.Format(slotTimeFormat),
		})
	}
	return lines
}

func mentions(texts []string, terms ...string) bool {
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, term := range terms {
			if term != "" && strings.Contains(lower, strings.ToLower(term)) {
				return true
			}
		}
	}
	return false
}

// InformationHandler answers questions about doctors and the clinic.
type InformationHandler struct {
	gen     generator
	domain  interfaces.DomainActionService
	metrics *metrics.Metrics
}

func NewInformationHandler(gateway interfaces.LLMGateway, domain interfaces.DomainActionService, m *metrics.Metrics) *InformationHandler {
	return &InformationHandler{gen: generator{gateway: gateway}, domain: domain, metrics: m}
}

func (h *InformationHandler) Name() string { return "information" }

func (h *InformationHandler) Handle(ctx context.Context, req *HandlerRequest) *Outcome {
	return contain(ctx, h.Name(), ApologyInformation, h.metrics, func() (*Outcome, error) {
		var (
			doctors []*model.Doctor
			faq     map[string]string
		)
		if h.domain != nil {
			var err error
			if doctors, err = h.domain.Doctors(ctx); err != nil {
				logging.From(ctx).Warn("failed to list doctors", "error", err)
			}
			if faq, err = h.domain.FAQ(ctx); err != nil {
				logging.From(ctx).Warn("failed to get FAQ", "error", err)
			}
		}

		var buf bytes.Buffer
		if err := informationPromptTmpl.Execute(&buf, map[string]any{
			"Doctors": doctors,
			"FAQ":     faq,
		}); err != nil {
			return nil, goerr.Wrap(err, "failed to render information prompt")
		}

		text, err := h.gen.generate(ctx, h.Name(), req, buf.String())
		if err != nil {
			return nil, err
		}
		return &Outcome{Text: text}, nil
	})
}
