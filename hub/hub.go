// Package hub connects to several MCP servers at once and presents their tools as
// one set, routing each call to the server that owns the tool.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mcpwire/anthropicbridge"
	"mcpwire/dockerbridge"
	"mcpwire/jsonrpc"
	"mcpwire/logging"
	"mcpwire/mcp"
	"mcpwire/protocol"
	"mcpwire/transport"
)

// Connection is one initialized server.
type Connection struct {
	Name   string
	Client *mcp.Client
	engine *protocol.Engine
}

type Hub struct {
	info           mcp.Implementation
	log            zerolog.Logger
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer

	mu     sync.RWMutex
	conns  []*Connection
	tools  []mcp.Tool
	routes map[string]*Connection
}

type Opts struct {
	info           mcp.Implementation
	log            zerolog.Logger
	tracerProvider trace.TracerProvider
}

type OptsFunc func(o *Opts)

func WithLogger(log zerolog.Logger) OptsFunc {
	return func(o *Opts) {
		o.log = log
	}
}

func WithTracerProvider(tp trace.TracerProvider) OptsFunc {
	return func(o *Opts) {
		o.tracerProvider = tp
	}
}

// WithClientInfo sets what the hub reports in mcp/initialize.
func WithClientInfo(info mcp.Implementation) OptsFunc {
	return func(o *Opts) {
		o.info = info
	}
}

func New(opts ...OptsFunc) *Hub {
	o := Opts{
		info:           mcp.Implementation{Name: "mcpwire-hub", Version: "0.1.0"},
		log:            zerolog.Nop(),
		tracerProvider: noop.NewTracerProvider(),
	}
	for _, optFunc := range opts {
		optFunc(&o)
	}
	return &Hub{
		info:           o.info,
		log:            o.log.With().Str("component", "hub").Logger(),
		tracerProvider: o.tracerProvider,
		tracer:         o.tracerProvider.Tracer("mcpwire/hub"),
		routes:         make(map[string]*Connection),
	}
}

// Attach starts an engine on t, runs the handshake and adds the server's tools. A
// tool name already owned by an earlier server keeps its first owner.
func (h *Hub) Attach(ctx context.Context, name string, t transport.Transport) (*Connection, error) {
	ctx, span := h.tracer.Start(ctx, "hub.Attach", trace.WithAttributes(attribute.String("server", name)))
	defer span.End()

	engine := protocol.New(t,
		protocol.WithLogger(h.log.With().Str("server", name).Logger()),
		protocol.WithTracerProvider(h.tracerProvider))
	if err := engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("server %s: %w", name, err)
	}

	client := mcp.NewClient(engine, h.info)
	if _, err := client.Initialize(ctx); err != nil {
		engine.Stop()
		return nil, fmt.Errorf("server %s: %w", name, err)
	}

	conn := &Connection{Name: name, Client: client, engine: engine}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = append(h.conns, conn)
	for _, tool := range client.Tools {
		if owner, taken := h.routes[tool.Name]; taken {
			h.log.Warn().Str("tool", tool.Name).Str("owner", owner.Name).Str("server", name).Msg("duplicate tool name ignored")
			continue
		}
		h.routes[tool.Name] = conn
		h.tools = append(h.tools, tool)
	}
	h.log.Info().Str("server", name).Str("peer", client.Server.Name).Int("tools", len(client.Tools)).Msg("server attached")
	logging.Telemetry(h.log, "tools", h.tools)
	return conn, nil
}

// AttachDocker starts or reuses the container described by def and attaches to it.
func (h *Hub) AttachDocker(ctx context.Context, name string, def dockerbridge.ContainerDefinition) (*Connection, error) {
	stream, exited, err := dockerbridge.Setup(ctx, def, h.tracerProvider, h.log)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", name, err)
	}
	go func() {
		if err := <-exited; err != nil {
			h.log.Error().Err(err).Str("server", name).Msg("container output ended")
			return
		}
		h.log.Info().Str("server", name).Msg("container output ended")
	}()
	return h.Attach(ctx, name, stream)
}

func (h *Hub) Connections() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*Connection(nil), h.conns...)
}

// Tools returns every routable tool in attach order.
func (h *Hub) Tools() []mcp.Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]mcp.Tool(nil), h.tools...)
}

// ClientForTool returns the client owning the tool, or nil.
func (h *Hub) ClientForTool(toolName string) *mcp.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conn, ok := h.routes[toolName]; ok {
		return conn.Client
	}
	return nil
}

// ExecuteTool routes the call to the owning server.
func (h *Hub) ExecuteTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	ctx, span := h.tracer.Start(ctx, "hub.ExecuteTool", trace.WithAttributes(attribute.String("tool", name)))
	defer span.End()

	client := h.ClientForTool(name)
	if client == nil {
		return nil, jsonrpc.ToolNotFound(name)
	}
	return client.ExecuteTool(ctx, name, args)
}

// Ask runs one prompt through the model with every hub tool available.
func (h *Hub) Ask(ctx context.Context, bridge *anthropicbridge.Bridge, prompt string, onText func(string)) ([]anthropic.MessageParam, error) {
	conversation := []anthropic.MessageParam{anthropicbridge.UserText(prompt)}
	return bridge.Converse(ctx, conversation, h.Tools(), h, onText)
}

// Close stops every engine and its transport.
func (h *Hub) Close() error {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.tools = nil
	h.routes = make(map[string]*Connection)
	h.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.engine.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", conn.Name, err))
		}
	}
	return errors.Join(errs...)
}

// SaveConversation writes the conversation as JSON, creating parent directories.
func SaveConversation(path string, conversation []anthropic.MessageParam) error {
	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
