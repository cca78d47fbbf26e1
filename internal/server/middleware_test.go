package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/ratelimit"
)

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{AuthToken: "secret"})

	resp, err := http.Get(srv.URL + "/v1/tools")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing authorization header", decodeError(t, resp).Message)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/tools", nil)
	req.Header.Set("Authorization", "Basic c2VjcmV0")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "invalid authorization format", decodeError(t, resp).Message)

	resp = postJSON(t, srv.URL+"/v1/tools/call", "wrong", map[string]any{"name": "list_workspaces"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, resp).Code)

	resp = postJSON(t, srv.URL+"/v1/tools/call", "secret", map[string]any{"name": "list_workspaces"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAuthGuardsMCPEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{AuthToken: "secret"})

	resp, err := http.Post(srv.URL+"/mcp", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	t.Cleanup(func() { _ = limiter.Close() })

	srv, _ := newTestServer(t, ServerConfig{Limiter: limiter})

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/v1/tools")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "request %d within burst", i+1)
	}

	resp, err := http.Get(srv.URL + "/v1/tools")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, decodeError(t, resp).Code)

	// Health is never throttled.
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	w.WriteHeader(http.StatusTeapot)
	w.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusTeapot, w.statusCode)
}
