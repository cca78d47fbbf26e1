package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ashita-ai/shiki/internal/remote"
)

// compileSchema turns a tool's advertised input schema into a validator, so
// the arguments a caller sends are checked against exactly what was listed.
func compileSchema(tool mcplib.Tool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}

	url := tool.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add input schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return schema, nil
}

// validate checks required keys first so the common mistake gets a plain
// message, then runs the full schema.
func (op *operation) validate(args map[string]any) error {
	for _, key := range op.tool.InputSchema.Required {
		v, ok := args[key]
		if !ok || v == nil {
			return remote.Errorf(remote.KindInvalidArguments, "missing required argument: %s", key)
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return remote.Errorf(remote.KindInvalidArguments, "missing required argument: %s", key)
		}
	}

	if op.schema == nil {
		return nil
	}
	if err := op.schema.Validate(normalize(args)); err != nil {
		return remote.Errorf(remote.KindInvalidArguments, "invalid arguments: %s", describeValidation(err))
	}
	return nil
}

// normalize round-trips args through JSON so the validator sees only the
// types it understands (numbers as json.Number, no Go-specific types).
func normalize(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return args
	}
	return v
}

func describeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	lines := strings.Split(strings.TrimSpace(ve.Error()), "\n")
	if len(lines) == 1 {
		return lines[0]
	}
	details := make([]string, 0, len(lines)-1)
	for _, l := range lines[1:] {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-"))
		if l != "" {
			details = append(details, l)
		}
	}
	return strings.Join(details, "; ")
}

func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
