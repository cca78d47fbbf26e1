// Package tools maps tool names to remote calls and renders their results as text.
//
// Dispatch is the single boundary where failures become text: every error,
// whatever its kind, is returned as one "Error: ..." line, and unknown names
// as "Unknown tool: <name>". Callers always receive exactly one string.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/shiki/internal/artifact"
	"github.com/ashita-ai/shiki/internal/lro"
	"github.com/ashita-ai/shiki/internal/remote"
)

var (
	tracer = otel.Tracer("shiki/tools")
	meter  = otel.GetMeterProvider().Meter("shiki/tools")
)

// API issues one authenticated call. *remote.Client satisfies it.
type API interface {
	Do(ctx context.Context, r remote.Request) (*remote.Response, error)
}

// Awaiter waits for a long-running operation. *lro.Poller satisfies it.
type Awaiter interface {
	Await(ctx context.Context, h lro.Handle) (json.RawMessage, error)
}

// Deps holds the collaborators of a Dispatcher.
type Deps struct {
	PowerBI API     // workspaces, datasets, queries
	Fabric  API     // semantic model definitions
	Poller  Awaiter // drives 202 Accepted submissions

	// DefaultRetryAfter is used when a submission omits Retry-After.
	DefaultRetryAfter time.Duration
	// ContentSuffix selects which definition parts are rendered.
	ContentSuffix string
	Logger        *slog.Logger
}

type runFunc func(ctx context.Context, args map[string]any) (string, error)

type operation struct {
	tool   mcplib.Tool
	schema *jsonschema.Schema
	run    runFunc
}

// Dispatcher owns the closed set of operations.
type Dispatcher struct {
	deps  Deps
	order []string
	ops   map[string]*operation

	// inflight coalesces identical concurrent model definition reads.
	inflight singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight // by definition path
	gen     uint64
}

// New builds a Dispatcher and compiles every operation's input schema.
func New(deps Deps) (*Dispatcher, error) {
	if deps.PowerBI == nil || deps.Fabric == nil || deps.Poller == nil {
		return nil, fmt.Errorf("tools: PowerBI, Fabric and Poller are required")
	}
	if deps.DefaultRetryAfter <= 0 {
		deps.DefaultRetryAfter = lro.DefaultRetryAfter
	}
	if deps.ContentSuffix == "" {
		deps.ContentSuffix = artifact.DefaultSuffix
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	d := &Dispatcher{deps: deps, ops: make(map[string]*operation), flights: make(map[string]*flight)}
	for _, def := range d.definitions() {
		schema, err := compileSchema(def.tool)
		if err != nil {
			return nil, fmt.Errorf("tools: %s: %w", def.tool.Name, err)
		}
		d.order = append(d.order, def.tool.Name)
		d.ops[def.tool.Name] = &operation{tool: def.tool, schema: schema, run: def.run}
	}
	return d, nil
}

// Operations lists every registered tool with its description and input schema.
func (d *Dispatcher) Operations() []mcplib.Tool {
	out := make([]mcplib.Tool, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.ops[name].tool)
	}
	return out
}

// Dispatch runs the named operation and returns its text result.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (text string) {
	ctx, span := tracer.Start(ctx, "tools.dispatch", trace.WithAttributes(attribute.String("tool.name", name)))
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			d.deps.Logger.Error("tools: panic in operation", "tool", name, "panic", r)
			outcome = "panic"
			text = "Error: internal error while running " + name
		}
		span.SetAttributes(attribute.String("tool.outcome", outcome))
		if outcome != "ok" {
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		recordDispatch(ctx, name, outcome, time.Since(start))
	}()

	op, ok := d.ops[name]
	if !ok {
		outcome = string(remote.KindUnknownOperation)
		d.deps.Logger.Warn("tools: unknown tool", "tool", name)
		return "Unknown tool: " + name
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := op.validate(args); err != nil {
		outcome = string(remote.KindOf(err))
		d.deps.Logger.Info("tools: invalid arguments", "tool", name, "error", err)
		return errorText(err)
	}

	out, err := op.run(ctx, args)
	if err != nil {
		outcome = string(remote.KindOf(err))
		d.deps.Logger.Warn("tools: operation failed",
			"tool", name,
			"kind", outcome,
			"status", remote.StatusCode(err),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return errorText(err)
	}

	d.deps.Logger.Info("tools: operation completed", "tool", name, "duration_ms", time.Since(start).Milliseconds())
	return out
}

// IsErrorText reports whether a Dispatch result describes a failure.
func IsErrorText(text string) bool {
	return strings.HasPrefix(text, "Error: ") || strings.HasPrefix(text, "Unknown tool: ")
}

// errorText flattens err to the single line callers receive.
func errorText(err error) string {
	msg := strings.Join(strings.Fields(err.Error()), " ")
	return "Error: " + msg
}

func recordDispatch(ctx context.Context, name, outcome string, d time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.outcome", outcome),
	)
	if counter, err := meter.Int64Counter("tools.invocations"); err == nil {
		counter.Add(ctx, 1, attrs)
	}
	if hist, err := meter.Float64Histogram("tools.duration", otelmetric.WithUnit("ms")); err == nil {
		hist.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}
