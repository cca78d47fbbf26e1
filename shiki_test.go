package shiki

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// isolateEnv clears variables a developer shell might export.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"POWERBI_TOKEN", "POWERBI_TOKEN_FILE", "POWERBI_API_URL", "FABRIC_API_URL",
		"SHIKI_TRANSPORT", "SHIKI_PORT", "SHIKI_MCP_TOKEN", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /pbi/groups", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"value":[{"id":"w1","name":"Sales"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewDefaultsToStdio(t *testing.T) {
	isolateEnv(t)

	app, err := New(WithLogger(testLogger()), WithoutDotEnv())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	assert.Nil(t, app.Handler())
	assert.Equal(t, "dev", app.version)

	names := make([]string, 0, 4)
	for _, op := range app.Dispatcher().Operations() {
		names = append(names, op.Name)
	}
	assert.Equal(t, []string{tools.ListWorkspaces, tools.ListDatasets, tools.GetModelDefinition, tools.ExecuteDAXQuery}, names)
}

func TestNewRejectsUnknownTransport(t *testing.T) {
	isolateEnv(t)

	_, err := New(WithLogger(testLogger()), WithoutDotEnv(), WithTransport("grpc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHIKI_TRANSPORT")
}

func TestNewReportsMalformedEnv(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SHIKI_POLL_MAX_WAIT", "soon")

	_, err := New(WithLogger(testLogger()), WithoutDotEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHIKI_POLL_MAX_WAIT")
}

func TestHTTPTransportCallsTool(t *testing.T) {
	isolateEnv(t)
	upstream := newUpstream(t)

	app, err := New(
		WithLogger(testLogger()),
		WithoutDotEnv(),
		WithVersion("1.2.3"),
		WithTransport("http"),
		WithToken("tok"),
		WithAPIBaseURLs(upstream.URL+"/pbi", upstream.URL+"/fabric"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	require.NotNil(t, app.Handler())

	body := `{"name":"list_workspaces","arguments":{}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/tools/call", strings.NewReader(body))
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data model.CallToolResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Data.IsError)
	assert.Contains(t, resp.Data.Text, "• Sales (ID: w1)")
}

func TestHTTPTransportHealthReportsVersion(t *testing.T) {
	isolateEnv(t)

	app, err := New(WithLogger(testLogger()), WithoutDotEnv(), WithVersion("1.2.3"), WithTransport("http"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1.2.3", resp.Data.Version)
	assert.Equal(t, "degraded", resp.Data.Status)
	assert.Equal(t, "missing", resp.Data.Credential)
}

func TestRunHTTPStopsOnCancel(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SHIKI_PORT", "0")

	app, err := New(WithLogger(testLogger()), WithoutDotEnv(), WithTransport("http"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStdioReturnsAtEndOfInput(t *testing.T) {
	isolateEnv(t)

	var out bytes.Buffer
	app, err := New(WithLogger(testLogger()), WithoutDotEnv(), WithStdio(strings.NewReader(""), &out))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stdio Run did not return")
	}
}
