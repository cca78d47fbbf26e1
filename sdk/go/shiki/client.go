package shiki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the shiki server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is sent as a bearer token when the server sets SHIKI_MCP_TOKEN.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 15 minutes,
	// since reading a model definition waits on a long-running operation.
	Timeout time.Duration
}

// Client is an HTTP client for the shiki tool API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("shiki: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// ListTools returns the tools the server exposes, in registration order.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	if err := c.do(ctx, http.MethodGet, "/v1/tools", nil, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// Call invokes a tool by name. A nil args map is sent as an empty object.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res CallResult
	if err := c.do(ctx, http.MethodPost, "/v1/tools/call", callRequest{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListWorkspaces calls the list_workspaces tool.
func (c *Client) ListWorkspaces(ctx context.Context) (*CallResult, error) {
	return c.Call(ctx, ToolListWorkspaces, nil)
}

// ListDatasets calls the list_datasets tool.
func (c *Client) ListDatasets(ctx context.Context, workspaceID string) (*CallResult, error) {
	return c.Call(ctx, ToolListDatasets, map[string]any{"workspace_id": workspaceID})
}

// GetModelDefinition calls the get_model_definition tool. It blocks until
// the server's long-running operation finishes.
func (c *Client) GetModelDefinition(ctx context.Context, workspaceID, datasetID string) (*CallResult, error) {
	return c.Call(ctx, ToolGetModelDefinition, map[string]any{
		"workspace_id": workspaceID,
		"dataset_id":   datasetID,
	})
}

// ExecuteDAXQuery calls the execute_dax_query tool.
func (c *Client) ExecuteDAXQuery(ctx context.Context, workspaceID, datasetID, query string) (*CallResult, error) {
	return c.Call(ctx, ToolExecuteDAXQuery, map[string]any{
		"workspace_id": workspaceID,
		"dataset_id":   datasetID,
		"query":        query,
	})
}

// Health checks the server's health status. The endpoint is never behind
// the bearer token.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("shiki: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("shiki: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("shiki: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("shiki: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, resp.Header.Get("X-Request-ID"), bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("shiki: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("shiki: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, requestID string, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode, RequestID: requestID}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		if envelope.Meta.RequestID != "" {
			apiErr.RequestID = envelope.Meta.RequestID
		}
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}

	return apiErr
}
