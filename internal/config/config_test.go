package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

const sampleConfig = `
gateway:
  port: 9090
catalog:
  ttl: 2m
connection:
  max_reconnect_attempts: 5
servers:
  Github:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-github"]
    env:
      GITHUB_TOKEN: secret
    description: GitHub tools
  remote:
    transport: sse
    url: https://mcp.example.com/sse
    headers:
      Authorization: Bearer abc
  legacy:
    command: ./legacy-server
    enabled: false
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "raccordo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Gateway.Port)
	assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
	assert.Equal(t, 2*time.Minute, cfg.Catalog.TTL)
	assert.Equal(t, 5, cfg.Connection.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Connection.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Connection.ReconnectMaxDelay)
	assert.Equal(t, 5*time.Second, cfg.Connection.TerminationGrace)

	require.Len(t, cfg.Servers, 3)

	gh, ok := cfg.Servers["github"]
	require.True(t, ok, "viper lowercases server keys")
	assert.Equal(t, "github", gh.Name)
	assert.Equal(t, "npx", gh.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-github"}, gh.Args)
	assert.Equal(t, map[string]string{"GITHUB_TOKEN": "secret"}, gh.Env)
	assert.True(t, gh.IsEnabled())

	remote := cfg.Servers["remote"]
	assert.Equal(t, "sse", remote.TransportName())
	assert.Equal(t, "https://mcp.example.com/sse", remote.URL)
	assert.Equal(t, "Bearer abc", remote.Headers["authorization"])

	assert.False(t, cfg.Servers["legacy"].IsEnabled())
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	t.Setenv("RACCORDO_GATEWAY_PORT", "7070")
	t.Setenv("RACCORDO_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Gateway.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_ExpandsPlaceholders(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
servers:
  remote:
    url: https://${MCP_HOST}/sse
    headers:
      Authorization: Bearer ${MCP_TOKEN}
  local:
    command: ./server
    env:
      API_KEY: ${MCP_TOKEN}
`)
	t.Setenv("MCP_HOST", "mcp.example.com")
	t.Setenv("MCP_TOKEN", "t0ken")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://mcp.example.com/sse", cfg.Servers["remote"].URL)
	assert.Equal(t, "Bearer t0ken", cfg.Servers["remote"].Headers["authorization"])
	assert.Equal(t, "t0ken", cfg.Servers["local"].Env["API_KEY"])
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Nil(t, cfg.Servers, "no servers selects the built-in default")
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, 5*time.Minute, cfg.Catalog.TTL)
	assert.Equal(t, 3, cfg.Connection.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, cfg.Probe.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*types.Config)
		wantErr bool
	}{
		{"valid", func(c *types.Config) {}, false},
		{"port zero", func(c *types.Config) { c.Gateway.Port = 0 }, true},
		{"port too large", func(c *types.Config) { c.Gateway.Port = 70000 }, true},
		{"negative ttl", func(c *types.Config) { c.Catalog.TTL = -time.Second }, true},
		{"negative attempts", func(c *types.Config) { c.Connection.MaxReconnectAttempts = -1 }, true},
		{"journal without path", func(c *types.Config) {
			c.Journal.Enabled = true
			c.Journal.Path = ""
		}, true},
		{"in-memory journal", func(c *types.Config) {
			c.Journal.Enabled = true
			c.Journal.Path = ""
			c.Journal.InMemory = true
		}, false},
		{"blank server name", func(c *types.Config) {
			c.Servers = map[string]types.ServerConfig{" ": {Command: "x"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &types.Config{Gateway: types.GatewayConfig{Port: 8080}}
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	var latest atomic.Pointer[types.Config]
	var reloads atomic.Int32
	w := loader.Watch(50*time.Millisecond, func(cfg *types.Config) {
		reloads.Add(1)
		latest.Store(cfg)
	})
	defer w.Stop()

	updated := `
gateway:
  port: 9191
servers:
  only:
    command: ./only-server
`
	writeConfig(t, dir, updated)

	require.Eventually(t, func() bool {
		cfg := latest.Load()
		return cfg != nil && cfg.Gateway.Port == 9191
	}, 5*time.Second, 20*time.Millisecond)

	cfg := latest.Load()
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "only", cfg.Servers["only"].Name)
}

func TestWatch_StopCancelsPending(t *testing.T) {
	w := &Watcher{window: time.Hour, onChange: func(*types.Config) { t.Fatal("unexpected reload") }}
	w.timer = time.AfterFunc(time.Hour, w.reload)
	w.Stop()
	w.reload()
	assert.Nil(t, w.timer)
}
