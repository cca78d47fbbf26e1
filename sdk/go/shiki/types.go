package shiki

import "encoding/json"

// Tool describes one operation the server exposes.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// CallResult is the text a tool produced. IsError marks failures such as a
// missing access token, a rejected remote call or a failed long-running
// operation; Text then starts with "Error: " or "Unknown tool: ".
type CallResult struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Credential string `json:"credential"`
	Uptime     int64  `json:"uptime_seconds"`
}

// Tool names served by shiki.
const (
	ToolListWorkspaces     = "list_workspaces"
	ToolListDatasets       = "list_datasets"
	ToolGetModelDefinition = "get_model_definition"
	ToolExecuteDAXQuery    = "execute_dax_query"
)

type callRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}
