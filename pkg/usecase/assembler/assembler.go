package assembler

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/metrics"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/usecase/memory"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// SummaryThreshold is the transcript length in characters above which
	// the rolling summary is refreshed.
	SummaryThreshold = 500

	DefaultTranscriptLimit = 10
	DefaultMemoryTopK      = 5
	minSummaryMessages     = 5
	historyTimeFormat      = "2006-01-02 15:04"
)

//go:embed prompt/enhanced.md
var enhancedPromptRaw string

//go:embed prompt/summarize.md
var summarizePromptRaw string

var (
	enhancedPromptTmpl  = template.Must(template.New("enhanced").Parse(enhancedPromptRaw))
	summarizePromptTmpl = template.Must(template.New("summarize").Parse(summarizePromptRaw))
)

// MemorySearcher is the read side of the memory store.
type MemorySearcher interface {
	Search(ctx context.Context, owner model.UserID, query []float32, opts ...memory.SearchOption) ([]*memory.SearchResult, error)
}

// SummaryRefresher regenerates the rolling summary of a session.
type SummaryRefresher interface {
	RefreshSummary(ctx context.Context, owner model.UserID, session model.SessionID) error
}

// Assembler builds the context handed to intent handlers.
type Assembler struct {
	gateway  interfaces.LLMGateway
	memory   MemorySearcher
	sessions interfaces.SessionStore
	profiles interfaces.ProfileStore
	metrics  *metrics.Metrics

	transcriptLimit int
	memoryTopK      int
	threshold       float64
}

var _ SummaryRefresher = &Assembler{}

type Option func(*Assembler)

func WithTranscriptLimit(n int) Option {
	return func(a *Assembler) {
		a.transcriptLimit = n
	}
}

func WithMemoryTopK(k int) Option {
	return func(a *Assembler) {
		a.memoryTopK = k
	}
}

func WithThreshold(v float64) Option {
	return func(a *Assembler) {
		a.threshold = v
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Assembler) {
		a.metrics = m
	}
}

func New(gateway interfaces.LLMGateway, mem MemorySearcher, sessions interfaces.SessionStore, profiles interfaces.ProfileStore, opts ...Option) *Assembler {
	a := &Assembler{
		gateway:         gateway,
		memory:          mem,
		sessions:        sessions,
		profiles:        profiles,
		transcriptLimit: DefaultTranscriptLimit,
		memoryTopK:      DefaultMemoryTopK,
		threshold:       memory.DefaultThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble gathers transcript, recalled memories, preferences and summary
// for one request. Any failure yields an empty bundle.
func (a *Assembler) Assemble(ctx context.Context, owner model.UserID, session model.SessionID, query string, caps model.Capability) *model.ContextBundle {
	bundle, err := a.assemble(ctx, owner, session, query, caps)
	if err != nil {
		logging.From(ctx).Warn("context assembly failed, continue without context",
			"error", err, "owner", owner, "session", session)
		return &model.ContextBundle{}
	}
	return bundle
}

func (a *Assembler) assemble(ctx context.Context, owner model.UserID, session model.SessionID, query string, caps model.Capability) (*model.ContextBundle, error) {
	transcript, err := a.sessions.GetRecentTranscript(ctx, session, a.transcriptLimit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get recent transcript")
	}

	prefs, err := a.profiles.GetPreferences(ctx, owner)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get preferences")
	}

	summary, err := a.profiles.GetSummary(ctx, session)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get rolling summary")
	}

	var history string
	if caps.Has(model.CapMemoryRecall) {
		history = a.recall(ctx, owner, query)
	}

	return &model.ContextBundle{
		RecentTranscript:    transcript,
		RelevantHistory:     history,
		PreferencesSnapshot: formatPreferences(prefs),
		RollingSummary:      summary,
	}, nil
}

// recall returns formatted memories relevant to query. Embedding failures
// degrade to no history.
func (a *Assembler) recall(ctx context.Context, owner model.UserID, query string) string {
	embedding, err := a.gateway.Embed(ctx, query)
	if err != nil {
		a.metrics.MemoryDegradation("query_embed")
		logging.From(ctx).Warn("memory recall skipped: query embedding failed",
			"error", goerr.Wrap(model.ErrMemoryDegradation, "failed to embed query", goerr.V("cause", err.Error())),
			"owner", owner)
		return ""
	}

	results, err := a.memory.Search(ctx, owner, embedding,
		memory.WithThreshold(a.threshold),
		memory.WithTopK(a.memoryTopK),
	)
	if err != nil {
		a.metrics.MemoryDegradation("search")
		logging.From(ctx).Warn("memory recall skipped: search failed", "error", err, "owner", owner)
		return ""
	}

	return FormatHistory(results)
}

// FormatHistory renders search results as timestamp-labelled lines in rank order.
func FormatHistory(results []*memory.SearchResult) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("[%s] %s", r.Document.CreatedAt.Format(historyTimeFormat), r.Document.Content))
	}
	return strings.Join(lines, "\n")
}

func formatPreferences(prefs map[string]string) string {
	if len(prefs) == 0 {
		return ""
	}

	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+prefs[k])
	}
	return strings.Join(lines, "\n")
}

// BuildEnhancedPrompt renders the handler prompt. The output depends only on
// its arguments.
func BuildEnhancedPrompt(bundle *model.ContextBundle, query, handlerName string) string {
	if bundle == nil {
		bundle = &model.ContextBundle{}
	}

	var buf bytes.Buffer
	if err := enhancedPromptTmpl.Execute(&buf, map[string]any{
		"Bundle":  bundle,
		"Query":   query,
		"Handler": handlerName,
	}); err != nil {
		// the template only reads string fields
		return query
	}
	return buf.String()
}

// RefreshSummary summarizes the latest messages of the session and stores
// the result. Sessions with fewer than five messages are left alone.
func (a *Assembler) RefreshSummary(ctx context.Context, owner model.UserID, session model.SessionID) error {
	msgs, err := a.sessions.ListRecentMessages(ctx, session, a.transcriptLimit)
	if err != nil {
		return goerr.Wrap(err, "failed to list messages for summary", goerr.V("session", session))
	}
	if len(msgs) < minSummaryMessages {
		return nil
	}

	previous, err := a.profiles.GetSummary(ctx, session)
	if err != nil {
		return goerr.Wrap(err, "failed to get previous summary", goerr.V("session", session))
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, string(m.Role)+": "+m.Content)
	}

	var buf bytes.Buffer
	if err := summarizePromptTmpl.Execute(&buf, map[string]string{
		"Previous":   previous,
		"Transcript": strings.Join(lines, "\n"),
	}); err != nil {
		return goerr.Wrap(err, "failed to render summarize prompt")
	}

	out, err := a.gateway.Generate(ctx, &interfaces.GenerateInput{
		Prompt:             buf.String(),
		SystemInstructions: "You write concise summaries of clinic conversations.",
	})
	if err != nil {
		return goerr.Wrap(model.ErrGeneration, "failed to generate summary",
			goerr.V("session", session), goerr.V("cause", err.Error()))
	}

	summary := strings.TrimSpace(out.Text)
	if summary == "" {
		return nil
	}

	if err := a.profiles.PutSummary(ctx, owner, session, summary); err != nil {
		return goerr.Wrap(err, "failed to store summary", goerr.V("session", session))
	}
	return nil
}
