// Package config loads the YAML configuration shared by the mcpwire commands.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"mcpwire/dockerbridge"
	"mcpwire/logging"
)

const (
	EnvConfigPath = "MCPWIRE_CONFIG"
	EnvTransport  = "MCPWIRE_TRANSPORT"
	EnvAddr       = "MCPWIRE_ADDR"
	EnvTracing    = "MCPWIRE_TRACING"
)

type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
	TransportHTTP  TransportKind = "http"
)

type Config struct {
	Log       logging.Config  `yaml:"log"`
	Tracing   bool            `yaml:"tracing"`
	Serve     ServeConfig     `yaml:"serve"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Servers   []ServerEntry   `yaml:"servers"`
}

// ServeConfig controls `mcpwire serve`.
type ServeConfig struct {
	Name      string        `yaml:"name"`
	Transport TransportKind `yaml:"transport"`
	// Addr is the listen address for the sse and http transports.
	Addr string `yaml:"addr"`
	// Root is the directory exposed through file:// resources.
	Root         string `yaml:"root"`
	Instructions string `yaml:"instructions"`
}

type AnthropicConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	MaxTurns  int    `yaml:"max_turns"`
	// ConversationFile, when set, receives the last conversation as JSON.
	ConversationFile string `yaml:"conversation_file"`
}

// ServerEntry is an MCP server the hub connects to, either a container or an HTTP
// endpoint.
type ServerEntry struct {
	Name   string                            `yaml:"name"`
	Docker *dockerbridge.ContainerDefinition `yaml:"docker,omitempty"`
	URL    string                            `yaml:"url,omitempty"`
}

func Default() Config {
	return Config{
		Log: logging.DefaultConfig(),
		Serve: ServeConfig{
			Name:      "mcpwire",
			Transport: TransportStdio,
			Addr:      "127.0.0.1:8931",
			Root:      ".",
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-3-7-sonnet-latest",
			MaxTokens: 1024,
			MaxTurns:  8,
		},
		Servers: []ServerEntry{{
			Name: "brave",
			Docker: &dockerbridge.ContainerDefinition{
				ImageName: "mcp/brave-search",
				Env:       []string{"BRAVE_API_KEY"},
			},
		}},
	}
}

// Load reads path over the defaults, applies environment overrides and validates the
// result. An empty path falls back to MCPWIRE_CONFIG, then to defaults alone.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected. A servers list in
// the document replaces the default list.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvTransport); v != "" {
		c.Serve.Transport = TransportKind(v)
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Serve.Addr = v
	}
	if v := os.Getenv(EnvTracing); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTracing, err)
		}
		c.Tracing = enabled
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Serve.Transport {
	case TransportStdio, TransportSSE, TransportHTTP:
	default:
		return fmt.Errorf("unknown transport %q", c.Serve.Transport)
	}
	if c.Serve.Transport != TransportStdio && c.Serve.Addr == "" {
		return fmt.Errorf("transport %s needs an addr", c.Serve.Transport)
	}
	if c.Anthropic.MaxTokens <= 0 {
		return errors.New("anthropic.max_tokens must be positive")
	}
	if c.Anthropic.MaxTurns <= 0 {
		return errors.New("anthropic.max_turns must be positive")
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if (s.Docker == nil) == (s.URL == "") {
			return fmt.Errorf("server %s: exactly one of docker or url is required", s.Name)
		}
	}
	return nil
}

// Server returns the entry with the given name.
func (c Config) Server(name string) (ServerEntry, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerEntry{}, false
}
