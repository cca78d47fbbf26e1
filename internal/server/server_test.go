package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/ctxutil"
	"github.com/ashita-ai/shiki/internal/model"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	lastArgs  map[string]any
	requestID string
}

func (f *fakeDispatcher) Operations() []mcplib.Tool {
	return []mcplib.Tool{
		mcplib.NewTool("list_workspaces", mcplib.WithDescription("List workspaces")),
		mcplib.NewTool("list_datasets", mcplib.WithDescription("List datasets"),
			mcplib.WithString("workspace_id", mcplib.Required())),
	}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, name string, args map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastArgs = args
	f.requestID = ctxutil.RequestIDFromContext(ctx)
	switch name {
	case "list_workspaces":
		return "No workspaces found"
	case "list_datasets":
		return "Error: missing required argument: workspace_id"
	case "explode":
		panic("kaboom")
	default:
		return "Unknown tool: " + name
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg ServerConfig) (*httptest.Server, *fakeDispatcher) {
	t.Helper()
	d := &fakeDispatcher{}
	cfg.Dispatcher = d
	cfg.Logger = testLogger()
	if cfg.Version == "" {
		cfg.Version = "test"
	}
	srv := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv, d
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Meta.RequestID)
	return env.Data
}

func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{CredentialPresent: true, AuthToken: "secret"})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "configured", health.Credential)
}

func TestHealthReportsMissingCredential(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "missing", health.Credential)
}

func TestListTools(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	resp, err := http.Get(srv.URL + "/v1/tools")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	infos := decodeData[[]model.ToolInfo](t, resp)
	require.Len(t, infos, 2)
	assert.Equal(t, "list_workspaces", infos[0].Name)
	assert.Equal(t, "List datasets", infos[1].Description)

	var schema struct {
		Type     string   `json:"type"`
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(infos[1].InputSchema, &schema))
	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"workspace_id"}, schema.Required)
}

func TestCallTool(t *testing.T) {
	srv, d := newTestServer(t, ServerConfig{})

	resp := postJSON(t, srv.URL+"/v1/tools/call", "", model.CallToolRequest{
		Name:      "list_workspaces",
		Arguments: map[string]any{"unused": "x"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requestID := resp.Header.Get("X-Request-ID")

	out := decodeData[model.CallToolResponse](t, resp)
	assert.Equal(t, "No workspaces found", out.Text)
	assert.False(t, out.IsError)
	assert.Equal(t, "x", d.lastArgs["unused"])
	assert.Equal(t, requestID, d.requestID)
}

func TestCallToolInBandErrors(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	resp := postJSON(t, srv.URL+"/v1/tools/call", "", model.CallToolRequest{Name: "list_datasets"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeData[model.CallToolResponse](t, resp)
	assert.True(t, out.IsError)
	assert.Equal(t, "Error: missing required argument: workspace_id", out.Text)

	resp = postJSON(t, srv.URL+"/v1/tools/call", "", model.CallToolRequest{Name: "frobnicate"})
	out = decodeData[model.CallToolResponse](t, resp)
	assert.True(t, out.IsError)
	assert.Equal(t, "Unknown tool: frobnicate", out.Text)
}

func TestCallToolRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	resp, err := http.Post(srv.URL+"/v1/tools/call", "application/json", strings.NewReader(`{"name":`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, resp).Code)

	resp = postJSON(t, srv.URL+"/v1/tools/call", "", map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "name is required", decodeError(t, resp).Message)

	resp = postJSON(t, srv.URL+"/v1/tools/call", "", map[string]any{"name": "x", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestCallToolRejectsOversizedBody(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{MaxRequestBodyBytes: 64})

	resp := postJSON(t, srv.URL+"/v1/tools/call", "", model.CallToolRequest{
		Name:      "list_workspaces",
		Arguments: map[string]any{"padding": strings.Repeat("x", 256)},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp).Message, "exceeds 64 bytes")
}

func TestRecoveryReturns500(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	resp := postJSON(t, srv.URL+"/v1/tools/call", "", model.CallToolRequest{Name: "explode"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInternalError, decodeError(t, resp).Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	srv, d := newTestServer(t, ServerConfig{})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/tools/call",
		strings.NewReader(`{"name":"list_workspaces"}`))
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "req-123", d.requestID)
}

func TestUnknownRouteIs404(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	resp, err := http.Get(srv.URL + "/v1/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	e := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeNotFound, e.Code)
	assert.Equal(t, "no route for GET /v1/nope", e.Message)
}
