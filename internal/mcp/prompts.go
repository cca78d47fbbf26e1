package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// explore-dataset walks the agent from discovery to a first query.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("explore-dataset",
			mcplib.WithPromptDescription("Discover a dataset's model and answer a question about it with DAX"),
			mcplib.WithArgument("question",
				mcplib.ArgumentDescription("What you want to learn from the data (e.g., 'sales by region last year')"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("workspace_id",
				mcplib.ArgumentDescription("Workspace to search, if already known"),
			),
			mcplib.WithArgument("dataset_id",
				mcplib.ArgumentDescription("Dataset to query, if already known"),
			),
		),
		s.handleExploreDatasetPrompt,
	)

	// write-dax turns a model definition into a query.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("write-dax",
			mcplib.WithPromptDescription("Write and run a DAX query against a dataset whose model you have read"),
			mcplib.WithArgument("workspace_id", mcplib.RequiredArgument()),
			mcplib.WithArgument("dataset_id", mcplib.RequiredArgument()),
			mcplib.WithArgument("question", mcplib.RequiredArgument()),
		),
		s.handleWriteDAXPrompt,
	)
}

func (s *Server) handleExploreDatasetPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	question := request.Params.Arguments["question"]
	if question == "" {
		return nil, fmt.Errorf("question argument is required")
	}
	workspaceID := request.Params.Arguments["workspace_id"]
	datasetID := request.Params.Arguments["dataset_id"]

	step1 := "1. CALL list_workspaces and pick the workspace that most likely holds this data."
	if workspaceID != "" {
		step1 = fmt.Sprintf("1. Use workspace_id=%q.", workspaceID)
	}
	step2 := "2. CALL list_datasets with that workspace_id and pick the relevant dataset."
	if datasetID != "" {
		step2 = fmt.Sprintf("2. Use dataset_id=%q.", datasetID)
	}

	return &mcplib.GetPromptResult{
		Description: "Explore a Power BI dataset to answer: " + question,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Answer this question from Power BI data: %s

%s

%s

3. CALL get_model_definition for the dataset. This can take a while for large
   models. Read the table, column and measure names it returns; never guess them.

4. CALL execute_dax_query with a query built from those names. Start with
   EVALUATE and keep the result small (TOPN or SUMMARIZECOLUMNS).

5. If the query fails, read the error, fix the names or syntax, and retry once.`, question, step1, step2),
				},
			},
		},
	}, nil
}

func (s *Server) handleWriteDAXPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	args := request.Params.Arguments
	if args["workspace_id"] == "" || args["dataset_id"] == "" || args["question"] == "" {
		return nil, fmt.Errorf("workspace_id, dataset_id and question arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: "Write a DAX query for: " + args["question"],
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Using the model definition of dataset %q in workspace %q, write one DAX query that answers:

%s

Rules:
- Reference tables as 'Table' and columns as 'Table'[Column].
- Name computed columns with an @ prefix, e.g. "@Sales".
- Return at most a few dozen rows.

Then CALL execute_dax_query with workspace_id=%q, dataset_id=%q and your query.`,
						args["dataset_id"], args["workspace_id"], args["question"], args["workspace_id"], args["dataset_id"]),
				},
			},
		},
	}, nil
}
