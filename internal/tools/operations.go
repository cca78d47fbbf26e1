package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shiki/internal/artifact"
	"github.com/ashita-ai/shiki/internal/lro"
	"github.com/ashita-ai/shiki/internal/remote"
)

// Tool names.
const (
	ListWorkspaces     = "list_workspaces"
	ListDatasets       = "list_datasets"
	GetModelDefinition = "get_model_definition"
	ExecuteDAXQuery    = "execute_dax_query"
)

type definition struct {
	tool mcplib.Tool
	run  runFunc
}

func (d *Dispatcher) definitions() []definition {
	return []definition{
		{
			tool: mcplib.NewTool(ListWorkspaces,
				mcplib.WithDescription("List all Power BI workspaces you have access to. "+
					"Use when: starting analysis, finding workspace IDs, or exploring available workspaces. "+
					"Examples: 'show my workspaces', 'what Power BI workspaces do I have?', 'list workspaces'"),
			),
			run: d.listWorkspaces,
		},
		{
			tool: mcplib.NewTool(ListDatasets,
				mcplib.WithDescription("List all datasets in a specific workspace. "+
					"Use when: exploring workspace contents, finding dataset IDs, or checking available data. "+
					"Examples: 'show datasets in workspace X', 'what data is available?', 'list all datasets'. "+
					"Requires: workspace_id"),
				mcplib.WithString("workspace_id", mcplib.Required(),
					mcplib.Description("The ID of the workspace (get from list_workspaces)")),
			),
			run: d.listDatasets,
		},
		{
			tool: mcplib.NewTool(GetModelDefinition,
				mcplib.WithDescription("Get the schema/model definition of a dataset including tables, columns, and relationships. "+
					"Use when: understanding data structure, checking column names, or planning queries. "+
					"Examples: 'show me the data model', 'what tables are in this dataset?', 'describe the schema'"),
				mcplib.WithString("workspace_id", mcplib.Required(),
					mcplib.Description("The ID of the workspace")),
				mcplib.WithString("dataset_id", mcplib.Required(),
					mcplib.Description("The ID of the dataset (get from list_datasets)")),
			),
			run: d.getModelDefinition,
		},
		{
			tool: mcplib.NewTool(ExecuteDAXQuery,
				mcplib.WithDescription("Execute a DAX query against a Power BI dataset. "+
					"Use when: retrieving specific data, calculating measures, or analyzing data. "+
					"Examples: 'get sales by region', 'calculate total revenue', 'show top 10 products'. "+
					"Example DAX Query: EVALUATE SUMMARIZECOLUMNS( 'Date'[Year], 'Date'[Month], \"@Sales\", SUM ( 'Sales'[Amount] ) )"),
				mcplib.WithString("workspace_id", mcplib.Required(),
					mcplib.Description("The ID of the workspace")),
				mcplib.WithString("dataset_id", mcplib.Required(),
					mcplib.Description("The ID of the dataset")),
				mcplib.WithString("query", mcplib.Required(),
					mcplib.Description("The DAX query to execute (e.g., 'EVALUATE VALUES(Sales[Product])')")),
			),
			run: d.executeDAXQuery,
		},
	}
}

func (d *Dispatcher) listWorkspaces(ctx context.Context, _ map[string]any) (string, error) {
	var resp listResponse
	if err := call(ctx, d.deps.PowerBI, http.MethodGet, "/groups", nil, &resp); err != nil {
		return "", err
	}
	return formatWorkspaces(resp.Value), nil
}

func (d *Dispatcher) listDatasets(ctx context.Context, args map[string]any) (string, error) {
	path := "/groups/" + url.PathEscape(argString(args, "workspace_id")) + "/datasets"

	var resp listResponse
	if err := call(ctx, d.deps.PowerBI, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return formatDatasets(resp.Value), nil
}

func (d *Dispatcher) getModelDefinition(ctx context.Context, args map[string]any) (string, error) {
	workspaceID := argString(args, "workspace_id")
	datasetID := argString(args, "dataset_id")
	path := fmt.Sprintf("/workspaces/%s/semanticModels/%s/getDefinition",
		url.PathEscape(workspaceID), url.PathEscape(datasetID))

	if err := ctx.Err(); err != nil {
		return "", remote.Cancelled(ctx, err)
	}

	// The shared call outlives a caller's cancellation only while another
	// caller still waits on it.
	f := d.join(ctx, path)
	defer d.leave(path, f)

	ch := d.inflight.DoChan(f.key, func() (v any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				d.deps.Logger.Error("tools: panic while reading model definition",
					"dataset_id", datasetID, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
				err = fmt.Errorf("internal error while running %s", GetModelDefinition)
			}
		}()
		return d.fetchModelDefinition(f.ctx, path, datasetID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			d.deps.Logger.Debug("tools: model definition shared with a concurrent call", "dataset_id", datasetID)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", remote.Cancelled(ctx, ctx.Err())
	}
}

func (d *Dispatcher) fetchModelDefinition(ctx context.Context, path, datasetID string) (string, error) {
	resp, err := d.deps.Fabric.Do(ctx, remote.Request{Method: http.MethodPost, Path: path})
	if err != nil {
		return "", err
	}

	body := json.RawMessage(resp.Body)
	if resp.Accepted() {
		h, err := lro.HandleFromResponse(resp, d.deps.DefaultRetryAfter)
		if err != nil {
			return "", err
		}
		d.deps.Logger.Info("tools: model definition accepted, waiting",
			"dataset_id", datasetID,
			"poll_url", h.PollURL,
			"retry_after", h.RetryAfter,
		)
		body, err = d.deps.Poller.Await(ctx, h)
		if err != nil {
			return "", err
		}
	}

	var def artifact.Definition
	if len(body) > 0 {
		if err := json.Unmarshal(body, &def); err != nil {
			return "", remote.Errorf(remote.KindTransport, "failed to parse model definition: %v", err)
		}
	}

	doc := artifact.Assemble(def.Definition.Parts, d.deps.ContentSuffix)
	if n := doc.DecodeErrors(); n > 0 {
		d.deps.Logger.Warn("tools: some definition parts could not be decoded",
			"dataset_id", datasetID,
			"kind", remote.KindDecodePartial,
			"failed", n,
			"sections", len(doc.Sections),
		)
	}
	return doc.Render(definitionTitle(d.deps.ContentSuffix)), nil
}

func (d *Dispatcher) executeDAXQuery(ctx context.Context, args map[string]any) (string, error) {
	path := fmt.Sprintf("/groups/%s/datasets/%s/executeQueries",
		url.PathEscape(argString(args, "workspace_id")), url.PathEscape(argString(args, "dataset_id")))
	body := map[string]any{
		"queries":            []map[string]string{{"query": argString(args, "query")}},
		"serializerSettings": map[string]bool{"includeNulls": true},
	}

	var resp queryResponse
	if err := call(ctx, d.deps.PowerBI, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", remote.Errorf(remote.KindOperationFailed, "query failed: %s", resp.Error)
	}
	for _, r := range resp.Results {
		if r.Error != nil {
			return "", remote.Errorf(remote.KindOperationFailed, "query failed: %s", r.Error)
		}
	}
	return formatQueryResult(resp), nil
}

// call runs a synchronous request. A 202 from a synchronous endpoint is
// treated as success with no body.
func call(ctx context.Context, api API, method, path string, body, dest any) error {
	resp, err := api.Do(ctx, remote.Request{Method: method, Path: path, Body: body})
	if err != nil {
		return err
	}
	return resp.Decode(dest)
}

func definitionTitle(suffix string) string {
	format := strings.ToUpper(strings.TrimPrefix(suffix, "."))
	if format == "" {
		format = "TMDL"
	}
	return "Dataset Model Definition (" + format + " Format)"
}
