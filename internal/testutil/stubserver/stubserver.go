package stubserver

// Package stubserver provides small MCP servers for tests. The stdio variant
// re-executes the test binary; call ServeIfRequested from TestMain.

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// Environment variables that turn a test binary into a stub server
const (
	EnvName  = "RACCORDO_STUB_SERVER"
	EnvTools = "RACCORDO_STUB_TOOLS"
)

// Tool names with special behaviour
const (
	ToolFail  = "fail"
	ToolCrash = "crash"
	ToolEcho  = "echo"
)

// New builds an MCP server named name that exposes tools.
// Every tool answers "<tool> from <name>" unless it is one of the special tools.
func New(name string, tools ...string) *server.MCPServer {
	s := server.NewMCPServer(name, "test", server.WithToolCapabilities(true))
	for _, tool := range tools {
		tool := tool
		s.AddTool(mcp.Tool{
			Name:        tool,
			Description: fmt.Sprintf("%s tool of %s", tool, name),
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"message": map[string]interface{}{
						"type":        "string",
						"description": "Text echoed back by the echo tool",
					},
				},
			},
		}, handler(name, tool))
	}
	return s
}

func handler(name, tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		switch tool {
		case ToolFail:
			return mcp.NewToolResultError("tool failed on purpose"), nil
		case ToolCrash:
			os.Exit(3)
		case ToolEcho:
			msg, _ := request.GetArguments()["message"].(string)
			return mcp.NewToolResultText(msg), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s from %s", tool, name)), nil
	}
}

// ServeIfRequested serves a stub over stdio when the process was launched by
// Config. It returns false when the process is a normal test run.
func ServeIfRequested() bool {
	name := os.Getenv(EnvName)
	if name == "" {
		return false
	}
	var tools []string
	if raw := os.Getenv(EnvTools); raw != "" {
		tools = strings.Split(raw, ",")
	}
	if err := server.ServeStdio(New(name, tools...)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return true
}

// Config returns a subprocess server config that launches the current test
// binary as a stub server exposing tools.
func Config(name string, tools ...string) types.ServerConfig {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return types.ServerConfig{
		Name:    name,
		Command: exe,
		Args:    []string{"-test.run=^$"},
		Env: map[string]string{
			EnvName:  name,
			EnvTools: strings.Join(tools, ","),
		},
	}
}

// NewSSE starts an HTTP+SSE stub. The returned config points at its stream.
func NewSSE(name string, tools ...string) (*httptest.Server, types.ServerConfig) {
	ts := server.NewTestServer(New(name, tools...))
	return ts, types.ServerConfig{
		Name:      name,
		Transport: "sse",
		URL:       ts.URL + "/sse",
	}
}
