// Package tool implements the tool registry and dispatch path.
//
// The registry maps tool names to descriptors: a declared JSON Schema for the
// arguments, a per-call timeout, cacheability flags, and the handler function.
// It is populated at startup (built-in Go functions via [Registry.Register],
// external MCP servers via [Registry.RegisterMCPServer]) and read-mostly
// afterwards.
//
// Dispatch validates arguments against the declared schema, enforces the
// tool's per-call deadline, and converts every failure mode into a
// [types.ToolResult] with a stable error kind. A tool fault never escapes as
// a Go error; the model receives the failure as a tool result and decides how
// to proceed.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/pkg/fault"
	"github.com/MrWong99/loquax/pkg/types"
)

// defaultCallTimeout applies when a tool declares no MaxDurationMs.
const defaultCallTimeout = 10 * time.Second

// Handler executes a tool invocation. args is the decoded argument object,
// already validated against the tool's schema. The returned string is fed
// back to the model verbatim; keep it concise and model-readable.
//
// Handlers must respect ctx: when it is cancelled or times out they should
// return promptly. Results from handlers that outlive their deadline are
// dropped.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool couples a definition with its handler.
type Tool struct {
	Definition types.ToolDefinition
	Handler    Handler
}

// entry holds a registered tool plus its compiled schema.
type entry struct {
	def     types.ToolDefinition
	handler Handler
	schema  *jsonschema.Schema
}

// Registry is the tool registry. Safe for concurrent use; registration
// happens at startup, dispatch afterwards.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]entry
	servers map[string]mcpServerConn

	metrics *observe.Metrics
}

// NewRegistry creates an empty Registry recording to the given metrics.
// A nil metrics falls back to [observe.DefaultMetrics].
func NewRegistry(metrics *observe.Metrics) *Registry {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Registry{
		tools:   make(map[string]entry),
		servers: make(map[string]mcpServerConn),
		metrics: metrics,
	}
}

// Register adds a tool to the registry, compiling its parameter schema.
// Registering a name twice replaces the earlier tool.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tool: definition must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool: %q must have a handler", t.Definition.Name)
	}

	schema, err := compileSchema(t.Definition.Name, t.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("tool: compile schema for %q: %w", t.Definition.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = entry{def: t.Definition, handler: t.Handler, schema: schema}
	return nil
}

// compileSchema compiles a JSON Schema given as a decoded map. A nil map
// yields a permissive object schema.
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Describe returns the definitions of all registered tools, sorted by name.
// The result is a copy; callers may not mutate registry state through it.
func (r *Registry) Describe() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Definition returns the definition of a single tool and whether it exists.
func (r *Registry) Definition(name string) (types.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.def, ok
}

// Dispatch executes the tool named in call and returns its result. Every
// failure mode is encoded in the result: unknown tools, invalid arguments,
// handler faults, and deadline overruns all yield Success == false with the
// matching error kind. The turn never fails because a tool did.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall) types.ToolResult {
	start := time.Now()

	ctx, span := observe.StartSpan(ctx, "tool.dispatch",
		trace.WithAttributes(attribute.String("tool.name", call.Name)),
	)
	defer span.End()

	res := r.dispatch(ctx, call)
	res.CallID = call.ID
	res.Duration = time.Since(start)

	status := "ok"
	if !res.Success {
		status = res.ErrorKind
	}
	r.metrics.RecordToolCall(ctx, call.Name, status)
	r.metrics.ToolDuration.Record(ctx, res.Duration.Seconds(),
		metric.WithAttributes(attribute.String("tool", call.Name)),
	)

	return res
}

func (r *Registry) dispatch(ctx context.Context, call types.ToolCall) types.ToolResult {
	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok {
		return failure(fault.KindToolNotFound,
			fmt.Sprintf("Tool %q is not available.", call.Name))
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return failure(fault.KindInputInvalid,
			fmt.Sprintf("Arguments for %q are not a valid JSON object.", call.Name))
	}
	if err := e.schema.Validate(map[string]any(args)); err != nil {
		return failure(fault.KindInputInvalid,
			fmt.Sprintf("Arguments for %q do not match the declared schema: %v", call.Name, validationSummary(err)))
	}

	timeout := defaultCallTimeout
	if e.def.MaxDurationMs > 0 {
		timeout = time.Duration(e.def.MaxDurationMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return runHandler(callCtx, e.handler, call.Name, args)
}

// runHandler executes the handler in its own goroutine so that a handler
// ignoring its context cannot stall dispatch past the deadline. Late results
// are dropped.
func runHandler(ctx context.Context, h Handler, name string, args map[string]any) types.ToolResult {
	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool %q panicked: %v", name, p)}
			}
		}()
		content, err := h(ctx, args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			kind := fault.KindOf(out.err)
			switch kind {
			case fault.KindTimeout, fault.KindCancelled:
				return timeoutOrCancel(ctx, name)
			case fault.KindInternal:
				kind = fault.KindToolFault
			}
			return failure(kind, fault.UserMessage(out.err))
		}
		return types.ToolResult{Success: true, Content: out.content}

	case <-ctx.Done():
		return timeoutOrCancel(ctx, name)
	}
}

// timeoutOrCancel distinguishes a per-call deadline from caller cancellation.
func timeoutOrCancel(ctx context.Context, name string) types.ToolResult {
	if ctx.Err() == context.Canceled {
		return failure(fault.KindCancelled, "The request was cancelled.")
	}
	return failure(fault.KindToolTimeout,
		fmt.Sprintf("Tool %q did not finish within its time limit.", name))
}

func failure(kind fault.Kind, msg string) types.ToolResult {
	return types.ToolResult{Success: false, Content: msg, ErrorKind: string(kind)}
}

// decodeArgs parses the JSON-encoded argument object. Empty strings decode to
// an empty object for parameter-less tools.
func decodeArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// validationSummary flattens a validation error to its first line so the
// model gets a short, actionable message instead of the full error tree.
func validationSummary(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		msg = msg[:i]
	}
	return msg
}
