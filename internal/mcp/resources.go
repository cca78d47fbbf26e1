package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shiki/internal/tools"
)

const (
	workspacesURI       = "powerbi://workspaces"
	datasetsURIPrefix   = "powerbi://workspaces/"
	datasetsURISuffix   = "/datasets"
	datasetsURITemplate = "powerbi://workspaces/{workspace_id}/datasets"
)

func (s *Server) registerResources() {
	// powerbi://workspaces: the caller's workspaces.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			workspacesURI,
			"Workspaces",
			mcplib.WithResourceDescription("Power BI workspaces the configured credential can access"),
			mcplib.WithMIMEType("text/plain"),
		),
		s.handleWorkspaces,
	)

	// powerbi://workspaces/{workspace_id}/datasets: datasets of one workspace.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			datasetsURITemplate,
			"Workspace Datasets",
			mcplib.WithTemplateDescription("Datasets in a specific Power BI workspace"),
			mcplib.WithTemplateMIMEType("text/plain"),
		),
		s.handleDatasets,
	)
}

func (s *Server) handleWorkspaces(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return s.readThroughTool(ctx, request.Params.URI, tools.ListWorkspaces, nil)
}

func (s *Server) handleDatasets(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	workspaceID, ok := workspaceFromURI(uri)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid datasets URI: %s", uri)
	}
	return s.readThroughTool(ctx, uri, tools.ListDatasets, map[string]any{"workspace_id": workspaceID})
}

// readThroughTool serves a resource from a tool result. Resources have no
// in-band error flag, so tool failures surface as protocol errors.
func (s *Server) readThroughTool(ctx context.Context, uri, tool string, args map[string]any) ([]mcplib.ResourceContents, error) {
	text := s.dispatcher.Dispatch(ctx, tool, args)
	if tools.IsErrorText(text) {
		return nil, fmt.Errorf("mcp: read %s: %s", uri, strings.TrimPrefix(text, "Error: "))
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     text,
		},
	}, nil
}

func workspaceFromURI(uri string) (string, bool) {
	if !strings.HasPrefix(uri, datasetsURIPrefix) || !strings.HasSuffix(uri, datasetsURISuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(uri, datasetsURIPrefix), datasetsURISuffix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
