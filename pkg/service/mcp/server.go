package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/usecase/memory"
	"github.com/m-mizutani/carebot/pkg/usecase/router"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "carebot"
	serverVersion = "0.1.0"
	defaultRecall = 5
)

// Deps are the use cases exposed as MCP tools. Router is required; tools
// backed by a nil dependency are not registered.
type Deps struct {
	Router  *router.Router
	Domain  interfaces.DomainActionService
	Memory  *memory.Store
	Gateway interfaces.LLMGateway
}

type askParams struct {
	Message      string `json:"message" jsonschema:"Patient message to answer"`
	SessionToken string `json:"session_token,omitempty" jsonschema:"Session token of an authenticated patient. Omit for a guest."`
}

type availabilityParams struct {
	Specialty string `json:"specialty,omitempty" jsonschema:"Specialty such as cardiology. Omit for every doctor."`
}

type recallParams struct {
	UserID string `json:"user_id" jsonschema:"Owner of the memories"`
	Query  string `json:"query" jsonschema:"Text to search for"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"Maximum number of results, default 5"`
}

// NewServer builds an MCP server with the carebot tools.
func NewServer(deps Deps) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	t := &tools{deps: deps}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask",
		Description: "Ask the clinic assistant a question and get its answer",
	}, t.ask)

	if deps.Domain != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "list_doctors",
			Description: "List doctors of the clinic with their specialty",
		}, t.listDoctors)
		mcp.AddTool(server, &mcp.Tool{
			Name:        "availability",
			Description: "List open appointment slots",
		}, t.availability)
	}

	if deps.Memory != nil && deps.Gateway != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "recall",
			Description: "Search long-term memories of a patient by meaning",
		}, t.recall)
	}

	return server
}

// ServeStdio runs the server on stdin/stdout until ctx is done.
func ServeStdio(ctx context.Context, deps Deps) error {
	if err := NewServer(deps).Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "mcp server failed")
	}
	return nil
}

// HTTPHandler serves the tools over the streamable HTTP transport.
func HTTPHandler(deps Deps) http.Handler {
	server := NewServer(deps)
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return server
	}, nil)
}

type tools struct {
	deps Deps
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	r := textResult(text)
	r.IsError = true
	return r
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	return textResult(string(raw)), nil
}

func (x *tools) ask(ctx context.Context, req *mcp.CallToolRequest, params *askParams) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(params.Message) == "" {
		return errorResult("message is required"), nil, nil
	}

	text := x.deps.Router.Handle(ctx, params.SessionToken, params.Message)
	return textResult(text), nil, nil
}

func (x *tools) listDoctors(ctx context.Context, req *mcp.CallToolRequest, _ *struct{}) (*mcp.CallToolResult, any, error) {
	doctors, err := x.deps.Domain.Doctors(ctx)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to list doctors")
	}

	result, err := jsonResult(doctors)
	return result, nil, err
}

func (x *tools) availability(ctx context.Context, req *mcp.CallToolRequest, params *availabilityParams) (*mcp.CallToolResult, any, error) {
	slots, err := x.deps.Domain.Availability(ctx, params.Specialty)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to get availability", goerr.V("specialty", params.Specialty))
	}

	result, err := jsonResult(slots)
	return result, nil, err
}

type recalledMemory struct {
	Content    string           `json:"content"`
	Kind       model.MemoryKind `json:"kind"`
	CreatedAt  string           `json:"created_at"`
	Similarity float64          `json:"similarity"`
	Relevance  float64          `json:"relevance"`
}

func (x *tools) recall(ctx context.Context, req *mcp.CallToolRequest, params *recallParams) (*mcp.CallToolResult, any, error) {
	if params.UserID == "" || strings.TrimSpace(params.Query) == "" {
		return errorResult("user_id and query are required"), nil, nil
	}
	topK := params.TopK
	if topK <= 0 {
		topK = defaultRecall
	}

	embedding, err := x.deps.Gateway.Embed(ctx, params.Query)
	if err != nil {
		logging.From(ctx).Warn("recall tool failed to embed query", "error", err)
		return errorResult("embedding is unavailable"), nil, nil
	}

	results, err := x.deps.Memory.Search(ctx, model.UserID(params.UserID), embedding, memory.WithTopK(topK))
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to search memories", goerr.V("user_id", params.UserID))
	}

	out := make([]*recalledMemory, 0, len(results))
	for _, r := range results {
		out = append(out, &recalledMemory{
			Content:    r.Document.Content,
			Kind:       r.Document.Kind,
			CreatedAt:  r.Document.CreatedAt.Format("2006-01-02 15:04"),
			Similarity: r.Similarity,
			Relevance:  r.Relevance,
		})
	}

	result, err := jsonResult(out)
	return result, nil, err
}
