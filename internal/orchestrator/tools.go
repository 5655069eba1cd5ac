package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/memohai/concierge/internal/assistant"
)

// ToolContext carries the request identity a tool executes for.
type ToolContext struct {
	TenantID       string
	ConversationID string
}

// ToolHandler executes one function call. The result is JSON encoded for the run.
type ToolHandler func(ctx context.Context, call ToolContext, arguments map[string]any) (any, error)

type registryItem struct {
	spec    assistant.FunctionSpec
	handler ToolHandler
}

// ToolRegistry maps function names to handlers.
type ToolRegistry struct {
	items map[string]registryItem
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{items: map[string]registryItem{}}
}

func (r *ToolRegistry) Register(spec assistant.FunctionSpec, handler ToolHandler) error {
	if handler == nil {
		return fmt.Errorf("tool handler is required")
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if spec.Parameters == nil {
		spec.Parameters = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	if _, exists := r.items[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	spec.Name = name
	r.items[name] = registryItem{spec: spec, handler: handler}
	return nil
}

func (r *ToolRegistry) Lookup(name string) (ToolHandler, bool) {
	item, ok := r.items[strings.TrimSpace(name)]
	if !ok {
		return nil, false
	}
	return item.handler, true
}

// Definitions lists the function tools sorted by name.
func (r *ToolRegistry) Definitions() []assistant.ToolDefinition {
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]assistant.ToolDefinition, 0, len(names))
	for _, name := range names {
		spec := r.items[name].spec
		defs = append(defs, assistant.ToolDefinition{Type: "function", Function: &spec})
	}
	return defs
}

// dispatch runs every call and never fails: errors and panics become {"error": ...} outputs.
func (r *ToolRegistry) dispatch(ctx context.Context, log *slog.Logger, tc ToolContext, calls []assistant.ToolCall) []assistant.ToolOutput {
	outputs := make([]assistant.ToolOutput, 0, len(calls))
	for _, call := range calls {
		out := r.invoke(ctx, log, tc, call)
		outputs = append(outputs, assistant.ToolOutput{ToolCallID: call.ID, Output: out})
	}
	return outputs
}

func (r *ToolRegistry) invoke(ctx context.Context, log *slog.Logger, tc ToolContext, call assistant.ToolCall) (output string) {
	name := call.Function.Name
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("tool panicked", slog.String("tool", name), slog.Any("panic", rec))
			output = errorOutput(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	handler, ok := r.Lookup(name)
	if !ok {
		log.Warn("unknown tool requested", slog.String("tool", name))
		return errorOutput("unknown tool: " + name)
	}
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return errorOutput("invalid arguments: " + err.Error())
		}
	}
	result, err := handler(ctx, tc, args)
	if err != nil {
		log.Warn("tool failed", slog.String("tool", name), slog.Any("error", err))
		return errorOutput(err.Error())
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return errorOutput("encode result: " + err.Error())
	}
	log.Debug("tool call completed", slog.String("tool", name))
	return string(payload)
}

func errorOutput(message string) string {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return string(payload)
}
