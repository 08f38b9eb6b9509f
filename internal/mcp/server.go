// ABOUTME: MCP server exposing the tool catalog over Streamable HTTP.
// ABOUTME: Translates MCP tool calls into executor calls and results back into MCP content.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/pilot-gateway/internal/auth"
	"github.com/2389/pilot-gateway/internal/tools"
)

// ServerName is reported to clients during initialize.
const ServerName = "pilot-gateway"

// Executor runs catalog tools.
type Executor interface {
	Descriptors() []tools.Descriptor
	Execute(ctx context.Context, call tools.Call) *tools.Result
}

// Options configures the server.
type Options struct {
	Version string
	Logger  *slog.Logger
	// Instructions is sent to clients on initialize.
	Instructions string
}

// Server is an MCP server bound to one executor.
type Server struct {
	exec    Executor
	server  *sdk.Server
	handler http.Handler
	logger  *slog.Logger
}

// NewServer registers every catalog tool on a new MCP server.
func NewServer(exec Executor, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		exec:   exec,
		logger: logger.With("component", "mcp"),
	}
	s.server = sdk.NewServer(&sdk.Implementation{Name: ServerName, Version: version}, &sdk.ServerOptions{
		Instructions: opts.Instructions,
	})

	for _, d := range exec.Descriptors() {
		tool, err := toolFor(d)
		if err != nil {
			return nil, err
		}
		s.server.AddTool(tool, s.call(d.Name))
	}

	s.handler = sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server {
		return s.server
	}, nil)
	return s, nil
}

// toolFor converts a catalog descriptor into an MCP tool definition.
func toolFor(d tools.Descriptor) (*sdk.Tool, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
		return nil, fmt.Errorf("tool %q input schema: %w", d.Name, err)
	}
	if schema.Type != "object" {
		return nil, fmt.Errorf("tool %q input schema has type %q, want object", d.Name, schema.Type)
	}
	readOnly := !d.SideEffects
	return &sdk.Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: &schema,
		Annotations: &sdk.ToolAnnotations{
			ReadOnlyHint: readOnly,
			Title:        d.Name,
		},
	}, nil
}

func (s *Server) call(name string) sdk.ToolHandler {
	return func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		call := tools.Call{
			ID:   "mcp-" + uuid.NewString(),
			Name: name,
		}
		if req.Params != nil {
			call.Arguments = req.Params.Arguments
		}
		s.logger.Debug("mcp tool call", "tool", name, "call_id", call.ID, "client", auth.SubjectFrom(ctx))
		return toCallToolResult(s.exec.Execute(ctx, call)), nil
	}
}

// toCallToolResult maps an executor result onto MCP content.
func toCallToolResult(res *tools.Result) *sdk.CallToolResult {
	out := &sdk.CallToolResult{IsError: res.IsError}
	for _, c := range res.Content {
		switch c.Type {
		case tools.ContentImage:
			out.Content = append(out.Content, &sdk.ImageContent{Data: c.Data, MIMEType: c.MIMEType})
		default:
			out.Content = append(out.Content, &sdk.TextContent{Text: c.Text})
		}
	}
	if len(out.Content) == 0 {
		out.Content = []sdk.Content{&sdk.TextContent{Text: ""}}
	}
	if res.Data != nil {
		out.StructuredContent = res.Data
	}
	if res.Code != "" {
		out.Meta = sdk.Meta{"code": string(res.Code)}
	}
	return out
}

// ServeHTTP serves the Streamable HTTP transport.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Connect serves one session over transport until it ends.
func (s *Server) Connect(ctx context.Context, transport sdk.Transport) (*sdk.ServerSession, error) {
	return s.server.Connect(ctx, transport, nil)
}
