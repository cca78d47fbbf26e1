// Package mcp exposes the tool dispatcher over the Model Context Protocol.
//
// Every tool the dispatcher lists is registered with one shared handler that
// forwards the call and wraps the text result. Resources and prompts are thin
// conveniences built on the same dispatcher.
package mcp

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shiki/internal/ctxutil"
	"github.com/ashita-ai/shiki/internal/tools"
)

// Dispatcher is the subset of *tools.Dispatcher the MCP layer needs.
type Dispatcher interface {
	Operations() []mcplib.Tool
	Dispatch(ctx context.Context, name string, args map[string]any) string
}

// Server wraps the mcp-go server around a Dispatcher.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates an MCP server with every dispatcher tool, resource and prompt registered.
func New(d Dispatcher, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{dispatcher: d, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"shiki",
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions("Explore Power BI workspaces and datasets, read semantic model definitions, "+
			"and run DAX queries. Start with list_workspaces, then list_datasets, then get_model_definition "+
			"before writing a query for execute_dax_query."),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	for _, tool := range s.dispatcher.Operations() {
		s.mcpServer.AddTool(tool, s.handleTool)
	}
}

// handleTool forwards one call. Failures are reported in-band as an error
// result so the client always receives text.
func (s *Server) handleTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.Params.Name
	text := s.dispatcher.Dispatch(ctx, name, request.GetArguments())
	if tools.IsErrorText(text) {
		s.logger.Debug("mcp: tool returned error", "tool", name, "request_id", ctxutil.RequestIDFromContext(ctx))
		return errorResult(text), nil
	}
	return mcplib.NewToolResultText(text), nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
