package mcp

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher answers from a fixed table keyed by tool name.
type fakeDispatcher struct {
	mu      sync.Mutex
	replies map[string]string
	calls   []fakeCall
}

type fakeCall struct {
	name string
	args map[string]any
}

func (f *fakeDispatcher) Operations() []mcplib.Tool {
	return []mcplib.Tool{
		mcplib.NewTool("list_workspaces", mcplib.WithDescription("List workspaces")),
		mcplib.NewTool("list_datasets", mcplib.WithDescription("List datasets"),
			mcplib.WithString("workspace_id", mcplib.Required())),
	}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, name string, args map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{name: name, args: args})
	if reply, ok := f.replies[name]; ok {
		return reply
	}
	return "Unknown tool: " + name
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(replies map[string]string) (*Server, *fakeDispatcher) {
	d := &fakeDispatcher{replies: replies}
	return New(d, testLogger(), "test"), d
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "content should be TextContent")
	return tc.Text
}

func TestHandleToolSuccess(t *testing.T) {
	s, d := newTestServer(map[string]string{"list_datasets": "Found 1 datasets:\n\n• Retail (ID: d1)"})

	res, err := s.handleTool(context.Background(), callRequest("list_datasets", map[string]any{"workspace_id": "w1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "Found 1 datasets:\n\n• Retail (ID: d1)", resultText(t, res))

	require.Len(t, d.calls, 1)
	assert.Equal(t, "w1", d.calls[0].args["workspace_id"])
}

func TestHandleToolErrorTextSetsIsError(t *testing.T) {
	s, _ := newTestServer(map[string]string{"list_workspaces": "Error: HTTP 401: token expired"})

	res, err := s.handleTool(context.Background(), callRequest("list_workspaces", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: HTTP 401: token expired", resultText(t, res))
}

func TestHandleToolUnknownSetsIsError(t *testing.T) {
	s, _ := newTestServer(nil)

	res, err := s.handleTool(context.Background(), callRequest("frobnicate", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Unknown tool: frobnicate", resultText(t, res))
}

func TestInProcessClientRoundTrip(t *testing.T) {
	s, _ := newTestServer(map[string]string{"list_workspaces": "No workspaces found"})
	ctx := context.Background()

	c, err := client.NewInProcessClient(s.MCPServer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(ctx))

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{Name: "shiki-test", Version: "1"}
	initRes, err := c.Initialize(ctx, initReq)
	require.NoError(t, err)
	assert.Equal(t, "shiki", initRes.ServerInfo.Name)
	assert.Equal(t, "test", initRes.ServerInfo.Version)

	listed, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := make([]string, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"list_workspaces", "list_datasets"}, names)

	res, err := c.CallTool(ctx, callRequest("list_workspaces", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "No workspaces found", resultText(t, res))
}
