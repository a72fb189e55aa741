package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Denis-Chistyakov/Raccordo/internal/orchestrator"
	"github.com/Denis-Chistyakov/Raccordo/internal/testutil/stubserver"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

func TestMain(m *testing.M) {
	if stubserver.ServeIfRequested() {
		return
	}
	os.Exit(m.Run())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	resetFlags(RootCmd)

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(io.Discard)
	RootCmd.SetArgs(args)
	err := RootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores every flag in the tree to its default so one command
// run cannot leak values or Changed state into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeStubConfig writes a JSON config launching stub servers
func writeStubConfig(t *testing.T) string {
	t.Helper()
	cfg := map[string]interface{}{
		"servers": map[string]types.ServerConfig{
			"alpha": stubserver.Config("alpha", "ping", stubserver.ToolEcho),
			"beta":  stubserver.Config("beta", "pong", stubserver.ToolFail),
		},
		"metrics": map[string]interface{}{"enabled": false},
		"logging": map[string]interface{}{"level": "error"},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "raccordo.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range RootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "mcp", "tools", "call", "servers", "stats", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Raccordo v")

	out, err = run(t, "version", "--json")
	require.NoError(t, err)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info["version"])
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs(`{"city":"Turin","days":3}`)
	require.NoError(t, err)
	assert.Equal(t, "Turin", args["city"])
	assert.Equal(t, float64(3), args["days"])

	args, err = parseArgs("")
	require.NoError(t, err)
	assert.Nil(t, args)

	_, err = parseArgs(`[1,2]`)
	assert.Error(t, err)
}

func TestPrintTools(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printTools(&buf, []types.ToolInfo{
		{Name: "ping", ServerName: "alpha", Description: "Ping a host\nwith details"},
		{Name: "pong", ServerName: "beta"},
	}))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "Ping a host")
	assert.NotContains(t, out, "with details")
	assert.Contains(t, out, "2 tools")
}

func TestProber(t *testing.T) {
	cfg := &types.Config{}
	p := prober(cfg)
	require.NotNil(t, p, "the default server launches docker")
	assert.Equal(t, "docker", p.Name())

	cfg.Servers = map[string]types.ServerConfig{"a": {Command: "npx"}}
	assert.Nil(t, prober(cfg))

	cfg.Probe = types.ProbeConfig{Command: "/usr/bin/true"}
	p = prober(cfg)
	require.NotNil(t, p)
	assert.Equal(t, "true", p.Name())
}

func TestConnectionOptions(t *testing.T) {
	cfg := &types.Config{
		Connection: types.ConnectionConfig{MaxReconnectAttempts: 5},
	}
	opts := connectionOptions(cfg)
	assert.Equal(t, 5, opts.MaxReconnectAttempts)
	assert.NotNil(t, opts.TransportFactory)
}

func TestResetFlags(t *testing.T) {
	require.NoError(t, callCmd.Flags().Set("args", `{"a":1}`))
	require.NoError(t, toolsCmd.Flags().Set("json", "true"))
	require.NoError(t, RootCmd.PersistentFlags().Set("log-level", "debug"))

	resetFlags(RootCmd)

	assert.Equal(t, "{}", callArgs)
	assert.False(t, jsonOutput)
	assert.Empty(t, logLevel)
	assert.False(t, callCmd.Flags().Changed("args"))
	assert.False(t, toolsCmd.Flags().Changed("json"))
}

func TestToolsAndCallAgainstStubs(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}
	path := writeStubConfig(t)

	out, err := run(t, "--config", path, "tools", "--json")
	require.NoError(t, err)
	var tools []types.ToolInfo
	require.NoError(t, json.Unmarshal([]byte(out), &tools))
	owners := map[string]string{}
	for _, tool := range tools {
		owners[tool.Name] = tool.ServerName
	}
	assert.Equal(t, "alpha", owners["ping"])
	assert.Equal(t, "beta", owners["pong"])

	out, err = run(t, "--config", path, "call", stubserver.ToolEcho, "--args", `{"message":"ciao"}`)
	require.NoError(t, err)
	var result types.ToolResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.False(t, result.IsError)
	assert.Equal(t, "ciao", result.Text())
	assert.Equal(t, "alpha", result.Metadata.ServerName)

	_, err = run(t, "--config", path, "call", stubserver.ToolFail)
	assert.ErrorIs(t, err, ErrToolFailed)

	_, err = run(t, "--config", path, "call", "nope")
	assert.ErrorIs(t, err, orchestrator.ErrToolNotFound)
}

func TestServersCommand(t *testing.T) {
	path := writeStubConfig(t)

	out, err := run(t, "--config", path, "servers")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "beta")
	assert.Contains(t, out, "disconnected")

	out, err = run(t, "--config", path, "servers", "--json")
	require.NoError(t, err)
	var servers []orchestrator.ServerStatus
	require.NoError(t, json.Unmarshal([]byte(out), &servers))
	require.Len(t, servers, 2)
	assert.Equal(t, "alpha", servers[0].Name)
	assert.Equal(t, "stdio", servers[0].Kind)
}

func TestStatsCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}
	out, err := run(t, "--config", writeStubConfig(t), "stats")
	require.NoError(t, err)

	var stats orchestrator.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.ConnectedServers)
	assert.Equal(t, 4, stats.TotalTools)
	assert.True(t, strings.Contains(out, "tools_by_server"))
}
