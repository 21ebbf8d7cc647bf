package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpwire/dockerbridge"
	"mcpwire/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcpwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv(EnvTransport, "")
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvTracing, "")

	cfg, err := Load("")
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	brave, ok := cfg.Server("brave")
	require.True(t, ok)
	assert.Equal(t, "mcp/brave-search", brave.Docker.ImageName)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvTransport, "")
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvTracing, "")
	path := writeConfig(t, `
log:
  level: debug
  format: json
serve:
  transport: sse
  addr: ":9000"
servers:
  - name: search
    docker:
      image: mcp/brave-search
      env: [BRAVE_API_KEY]
  - name: remote
    url: http://localhost:9001/rpc
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, logging.FormatJSON, cfg.Log.Format)
	assert.True(t, cfg.Log.Timestamp, "unset keys keep their defaults")
	assert.Equal(t, TransportSSE, cfg.Serve.Transport)
	assert.Equal(t, ":9000", cfg.Serve.Addr)
	assert.Equal(t, "mcpwire", cfg.Serve.Name)

	want := []ServerEntry{
		{Name: "search", Docker: &dockerbridge.ContainerDefinition{ImageName: "mcp/brave-search", Env: []string{"BRAVE_API_KEY"}}},
		{Name: "remote", URL: "http://localhost:9001/rpc"},
	}
	if diff := cmp.Diff(want, cfg.Servers); diff != "" {
		t.Errorf("servers mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "serve:\n  transport: stdio\n")
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvTransport, "http")
	t.Setenv(EnvAddr, "0.0.0.0:7000")
	t.Setenv(EnvTracing, "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, cfg.Serve.Transport)
	assert.Equal(t, "0.0.0.0:7000", cfg.Serve.Addr)
	assert.True(t, cfg.Tracing)

	t.Setenv(EnvTracing, "maybe")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadRejects(t *testing.T) {
	t.Setenv(EnvTransport, "")
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvTracing, "")

	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "bogus: true\n"},
		{"unknown transport", "serve:\n  transport: carrier-pigeon\n"},
		{"missing addr", "serve:\n  transport: sse\n  addr: \"\"\n"},
		{"unnamed server", "servers:\n  - url: http://x\n"},
		{"duplicate server", "servers:\n  - name: a\n    url: http://x\n  - name: a\n    url: http://y\n"},
		{"server without target", "servers:\n  - name: a\n"},
		{"server with both targets", "servers:\n  - name: a\n    url: http://x\n    docker:\n      image: foo\n"},
		{"zero turns", "anthropic:\n  max_turns: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Serve, cfg.Serve)
}
