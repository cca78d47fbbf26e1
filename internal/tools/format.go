package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// maxRowsPerTable caps how many rows of each query table are rendered.
const maxRowsPerTable = 20

type namedItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type listResponse struct {
	Value []namedItem `json:"value"`
}

type queryResponse struct {
	Results []queryResult `json:"results"`
	Error   *queryError   `json:"error,omitempty"`
}

type queryResult struct {
	Tables []queryTable `json:"tables"`
	Error  *queryError  `json:"error,omitempty"`
}

type queryTable struct {
	Rows []json.RawMessage `json:"rows"`
}

type queryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *queryError) String() string {
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Message != "":
		return e.Message
	default:
		return e.Code
	}
}

func formatWorkspaces(items []namedItem) string {
	return formatNamedList(items, "workspaces", "No workspaces found")
}

func formatDatasets(items []namedItem) string {
	return formatNamedList(items, "datasets", "No datasets found in this workspace")
}

func formatNamedList(items []namedItem, noun, none string) string {
	if len(items) == 0 {
		return none
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d %s:\n\n", len(items), noun)
	for _, it := range items {
		fmt.Fprintf(&b, "• %s (ID: %s)\n", it.Name, it.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatQueryResult(resp queryResponse) string {
	var tables []queryTable
	for _, r := range resp.Results {
		tables = append(tables, r.Tables...)
	}

	var b strings.Builder
	b.WriteString("Query executed successfully.\n")
	fmt.Fprintf(&b, "Returned %d table(s)", len(tables))
	for i, t := range tables {
		fmt.Fprintf(&b, "\n\nTable %d: %d row(s)", i+1, len(t.Rows))
		for j, raw := range t.Rows {
			if j == maxRowsPerTable {
				fmt.Fprintf(&b, "\n… %d more row(s)", len(t.Rows)-maxRowsPerTable)
				break
			}
			b.WriteString("\n• ")
			b.WriteString(formatRow(raw))
		}
	}
	return b.String()
}

// formatRow renders one result row as col=value pairs in the order the
// columns appear in the payload.
func formatRow(raw json.RawMessage) string {
	cols, err := orderedColumns(raw)
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, c.name+"="+c.value)
	}
	return strings.Join(parts, ", ")
}

type column struct {
	name  string
	value string
}

func orderedColumns(raw json.RawMessage) ([]column, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("row is not an object")
	}

	var cols []column
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)

		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		cols = append(cols, column{name: key, value: formatValue(v)})
	}
	return cols, nil
}

func formatValue(v json.RawMessage) string {
	trimmed := bytes.TrimSpace(v)
	if bytes.Equal(trimmed, []byte("null")) {
		return "null"
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}
