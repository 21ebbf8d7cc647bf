package mcp

// Method names served by Server. The engine treats them as plain strings.
const (
	MethodInitialize     = "mcp/initialize"
	MethodPing           = "mcp/ping"
	MethodResourcesList  = "mcp/resources/list"
	MethodResourcesRead  = "mcp/resources/read"
	MethodToolsList      = "mcp/tools/list"
	MethodToolsExecute   = "mcp/tools/execute"
	MethodPromptsList    = "mcp/prompts/list"
	MethodPromptsExecute = "mcp/prompts/execute"

	NotificationLog = "mcp/log"
)

const ProtocolVersion = "2024-11-05"

// Implementation describes the name and version of an MCP implementation
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ClientCapabilities struct {
	Experimental map[string]map[string]any `json:"experimental,omitempty"`
	Sampling     map[string]any            `json:"sampling,omitempty"`
}

type ServerCapabilities struct {
	Logging   map[string]any       `json:"logging,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type InitializeParams struct {
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
	ProtocolVersion string             `json:"protocolVersion"`
}

type InitializeResult struct {
	Capabilities    ServerCapabilities `json:"capabilities"`
	Instructions    *string            `json:"instructions,omitempty"`
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// Tool defines a tool the client can call
type Tool struct {
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
	Description *string          `json:"description,omitempty"`
	InputSchema ToolInputSchema  `json:"inputSchema"`
	Name        string           `json:"name"`
}

type ToolAnnotations struct {
	DestructiveHint *bool   `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool   `json:"idempotentHint,omitempty"`
	ReadOnlyHint    *bool   `json:"readOnlyHint,omitempty"`
	Title           *string `json:"title,omitempty"`
}

// ToolInputSchema is the JSON schema of a tool's arguments. Type must be "object".
type ToolInputSchema struct {
	Properties map[string]map[string]any `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
	Type       string                    `json:"type"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type ExecuteToolParams struct {
	Arguments map[string]any `json:"arguments,omitempty"`
	Name      string         `json:"name"`
}

// Content is a text, image or embedded resource block.
type Content struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"`
}

func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text joins the text blocks of the result.
func (r *CallToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

type Resource struct {
	Description *string `json:"description,omitempty"`
	MimeType    *string `json:"mimeType,omitempty"`
	Name        string  `json:"name"`
	URI         string  `json:"uri"`
}

// ResourceTemplate describes a family of resources. URITemplate placeholders look
// like {name} and match one path segment.
type ResourceTemplate struct {
	Description *string `json:"description,omitempty"`
	MimeType    *string `json:"mimeType,omitempty"`
	Name        string  `json:"name"`
	URITemplate string  `json:"uriTemplate"`
}

type ListResourcesResult struct {
	Resources         []Resource         `json:"resources"`
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates,omitempty"`
}

type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents holds either Text or a base64 Blob.
type ResourceContents struct {
	Blob     string `json:"blob,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	URI      string `json:"uri"`
}

type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

type Prompt struct {
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Description *string          `json:"description,omitempty"`
	Name        string           `json:"name"`
}

type PromptArgument struct {
	Description *string `json:"description,omitempty"`
	Name        string  `json:"name"`
	Required    bool    `json:"required,omitempty"`
}

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

type PromptMessage struct {
	Content Content `json:"content"`
	Role    Role    `json:"role"`
}

type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

type ExecutePromptParams struct {
	Arguments map[string]string `json:"arguments,omitempty"`
	Name      string            `json:"name"`
}

type GetPromptResult struct {
	Description *string         `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// LoggingLevel represents the severity of a log message
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

type LogParams struct {
	Data   any          `json:"data"`
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
}

type PingResult struct{}
