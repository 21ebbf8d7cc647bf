package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"mcpwire/jsonrpc"
)

type ToolHandler func(ctx context.Context, args map[string]any) (*CallToolResult, error)

type registeredTool struct {
	tool    Tool
	handler ToolHandler
	schema  *jsonschema.Resolved
}

// ToolRegistry maps tool names to handlers. Arguments are checked against the tool's
// input schema before the handler runs.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]registeredTool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.InputSchema.Type == "" {
		tool.InputSchema.Type = "object"
	}
	schema, err := resolveSchema(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = registeredTool{tool: tool, handler: handler, schema: schema}
	return nil
}

func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, jsonrpc.ToolNotFound(name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := entry.schema.Validate(args); err != nil {
		return nil, jsonrpc.InvalidParams(fmt.Sprintf("tool %s: %v", name, err))
	}

	result, err := entry.handler(ctx, args)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, jsonrpc.ToolExecutionFailed(name, err)
	}
	if result == nil {
		result = &CallToolResult{Content: []Content{}}
	}
	return result, nil
}

func resolveSchema(in ToolInputSchema) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input schema: %w", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	return resolved, nil
}
