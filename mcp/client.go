package mcp

import (
	"context"
	"fmt"

	"mcpwire/protocol"
)

// Client calls an MCP server through an engine. It caches the server's tool list
// after Initialize.
type Client struct {
	engine *protocol.Engine
	info   Implementation

	Server Implementation
	Tools  []Tool
}

func NewClient(e *protocol.Engine, info Implementation) *Client {
	return &Client{engine: e, info: info}
}

func (c *Client) Engine() *protocol.Engine {
	return c.engine
}

// Initialize performs the handshake and loads the tool list.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	result, err := protocol.RequestAs[InitializeResult](ctx, c.engine, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      c.info,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	c.Server = result.ServerInfo

	// A server that answers with no tools has none.
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	c.Tools = tools
	return &result, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.engine.Request(ctx, MethodPing, nil)
	return err
}

func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := protocol.RequestAs[ListToolsResult](ctx, c.engine, MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	if result.Tools == nil {
		return []Tool{}, nil
	}
	return result.Tools, nil
}

func (c *Client) ExecuteTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	result, err := protocol.RequestAs[CallToolResult](ctx, c.engine, MethodToolsExecute, ExecuteToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListResources(ctx context.Context) (*ListResourcesResult, error) {
	result, err := protocol.RequestAs[ListResourcesResult](ctx, c.engine, MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	result, err := protocol.RequestAs[ReadResourceResult](ctx, c.engine, MethodResourcesRead, ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	result, err := protocol.RequestAs[ListPromptsResult](ctx, c.engine, MethodPromptsList, nil)
	if err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

func (c *Client) ExecutePrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	result, err := protocol.RequestAs[GetPromptResult](ctx, c.engine, MethodPromptsExecute, ExecutePromptParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Log sends an mcp/log notification. Nothing comes back, even if the server fails
// to handle it.
func (c *Client) Log(ctx context.Context, level LoggingLevel, logger string, data any) error {
	params, err := protocol.Params(LogParams{Level: level, Logger: logger, Data: data})
	if err != nil {
		return err
	}
	_, err = c.engine.SendNotification(ctx, NotificationLog, params)
	return err
}

// HasTool reports whether the cached tool list contains name.
func (c *Client) HasTool(name string) bool {
	for _, tool := range c.Tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}
