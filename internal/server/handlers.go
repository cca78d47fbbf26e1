package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/tools"
)

// Dispatcher is the subset of *tools.Dispatcher the handlers need.
type Dispatcher interface {
	Operations() []mcplib.Tool
	Dispatch(ctx context.Context, name string, args map[string]any) string
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	dispatcher          Dispatcher
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	credential          bool
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Dispatcher          Dispatcher
	Logger              *slog.Logger
	Version             string
	CredentialPresent   bool
	MaxRequestBodyBytes int64
}

const defaultMaxRequestBodyBytes = 1 << 20

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = defaultMaxRequestBodyBytes
	}
	return &Handlers{
		dispatcher:          d.Dispatcher,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		credential:          d.CredentialPresent,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Credential: "configured",
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}
	if !h.credential {
		resp.Status = "degraded"
		resp.Credential = "missing"
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListTools handles GET /v1/tools.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	ops := h.dispatcher.Operations()
	out := make([]model.ToolInfo, 0, len(ops))
	for _, op := range ops {
		schema, err := json.Marshal(op.InputSchema)
		if err != nil {
			h.logger.Error("server: marshal input schema", "tool", op.Name, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to describe tools")
			return
		}
		out = append(out, model.ToolInfo{Name: op.Name, Description: op.Description, InputSchema: schema})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleCallTool handles POST /v1/tools/call. Tool failures are reported
// in-band with 200 and is_error set, matching the MCP surface; only a
// malformed request body is a 4xx.
func (h *Handlers) HandleCallTool(w http.ResponseWriter, r *http.Request) {
	var req model.CallToolRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}

	text := h.dispatcher.Dispatch(r.Context(), req.Name, req.Arguments)
	writeJSON(w, r, http.StatusOK, model.CallToolResponse{Text: text, IsError: tools.IsErrorText(text)})
}
