package mcp

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"mcpwire/protocol"
)

// Server exposes tool, resource and prompt registries over an engine.
type Server struct {
	info         Implementation
	instructions string
	engine       *protocol.Engine
	log          zerolog.Logger

	Tools     *ToolRegistry
	Resources *ResourceRegistry
	Prompts   *PromptRegistry

	mu     sync.RWMutex
	client *InitializeParams
}

type ServerOption func(*Server)

func WithServerLogger(log zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

func WithInstructions(text string) ServerOption {
	return func(s *Server) {
		s.instructions = text
	}
}

// NewServer registers the MCP methods on e. Registries start empty.
func NewServer(info Implementation, e *protocol.Engine, opts ...ServerOption) *Server {
	s := &Server{
		info:      info,
		engine:    e,
		log:       zerolog.Nop(),
		Tools:     NewToolRegistry(),
		Resources: NewResourceRegistry(),
		Prompts:   NewPromptRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "mcp-server").Logger()

	protocol.HandleParams(e, MethodInitialize, s.initialize)
	protocol.HandleParams(e, MethodPing, func(context.Context, map[string]any) (PingResult, error) {
		return PingResult{}, nil
	})
	protocol.HandleParams(e, MethodToolsList, func(context.Context, map[string]any) (ListToolsResult, error) {
		return ListToolsResult{Tools: s.Tools.List()}, nil
	})
	protocol.HandleParams(e, MethodToolsExecute, func(ctx context.Context, p ExecuteToolParams) (*CallToolResult, error) {
		return s.Tools.Execute(ctx, p.Name, p.Arguments)
	})
	protocol.HandleParams(e, MethodResourcesList, func(context.Context, map[string]any) (ListResourcesResult, error) {
		return s.Resources.List(), nil
	})
	protocol.HandleParams(e, MethodResourcesRead, func(ctx context.Context, p ReadResourceParams) (*ReadResourceResult, error) {
		return s.Resources.Read(ctx, p.URI)
	})
	protocol.HandleParams(e, MethodPromptsList, func(context.Context, map[string]any) (ListPromptsResult, error) {
		return ListPromptsResult{Prompts: s.Prompts.List()}, nil
	})
	protocol.HandleParams(e, MethodPromptsExecute, func(ctx context.Context, p ExecutePromptParams) (*GetPromptResult, error) {
		return s.Prompts.Execute(ctx, p.Name, p.Arguments)
	})
	e.RegisterNotificationHandler(NotificationLog, s.onLog)
	return s
}

func (s *Server) initialize(_ context.Context, p InitializeParams) (InitializeResult, error) {
	s.mu.Lock()
	s.client = &p
	s.mu.Unlock()
	s.log.Info().Str("client", p.ClientInfo.Name).Str("version", p.ClientInfo.Version).Msg("client initialized")

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      s.info,
		Capabilities: ServerCapabilities{
			Logging:   map[string]any{},
			Prompts:   &PromptsCapability{},
			Resources: &ResourcesCapability{},
			Tools:     &ToolsCapability{},
		},
	}
	if s.instructions != "" {
		result.Instructions = &s.instructions
	}
	return result, nil
}

// Client returns what the peer sent in mcp/initialize, or nil before that.
func (s *Server) Client() *InitializeParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Server) onLog(_ context.Context, params map[string]any) error {
	p, err := protocol.Decode[LogParams](params)
	if err != nil {
		return err
	}
	logEvent(s.log, p).Msg("peer log")
	return nil
}

// Log sends an mcp/log notification to the peer.
func (s *Server) Log(ctx context.Context, level LoggingLevel, logger string, data any) error {
	params, err := protocol.Params(LogParams{Level: level, Logger: logger, Data: data})
	if err != nil {
		return err
	}
	_, err = s.engine.SendNotification(ctx, NotificationLog, params)
	return err
}

func logEvent(log zerolog.Logger, p LogParams) *zerolog.Event {
	var ev *zerolog.Event
	switch p.Level {
	case LoggingLevelDebug:
		ev = log.Debug()
	case LoggingLevelInfo, LoggingLevelNotice:
		ev = log.Info()
	case LoggingLevelWarning:
		ev = log.Warn()
	default:
		ev = log.Error()
	}
	return ev.Str("logger", p.Logger).Interface("data", p.Data)
}
