package mcp

// Package mcp re-exports the aggregated tool catalog as a single MCP server.
// Every downstream tool is registered under its own name and calls are
// forwarded through the orchestrator.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/internal/version"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// RefreshToolName is the built-in tool that re-discovers downstream servers
const RefreshToolName = "raccordo_refresh"

// Router is the orchestrator surface the proxy forwards to
type Router interface {
	GetAllTools(ctx context.Context) ([]types.ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*types.ToolResult, error)
	RefreshTools(ctx context.Context, server string) error
}

// Server represents an MCP protocol server in front of the orchestrator
type Server struct {
	mcpServer *server.MCPServer
	router    Router

	mu    sync.Mutex
	tools map[string]string // tool -> owning server, as last synced
}

// NewServer creates a new MCP proxy server
func NewServer(router Router) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer("raccordo", version.Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		router: router,
		tools:  map[string]string{},
	}
	s.mcpServer.AddTool(s.refreshTool(), s.handleRefresh)
	return s
}

// MCPServer returns the underlying mcp-go server
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sync replaces the exported tool set with the current catalog. Clients are
// told about the change through notifications/tools/list_changed.
func (s *Server) Sync(ctx context.Context) (int, error) {
	infos, err := s.router.GetAllTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tools: %w", err)
	}

	serverTools := make([]server.ServerTool, 0, len(infos)+1)
	serverTools = append(serverTools, server.ServerTool{Tool: s.refreshTool(), Handler: s.handleRefresh})

	synced := make(map[string]string, len(infos))
	for _, info := range infos {
		if info.Name == RefreshToolName {
			log.Warn().Str("server", info.ServerName).Msg("Downstream tool shadows built-in refresh tool, skipping")
			continue
		}
		tool, err := exportTool(info)
		if err != nil {
			log.Warn().Err(err).Str("tool", info.Name).Msg("Skipping tool with invalid schema")
			continue
		}
		serverTools = append(serverTools, server.ServerTool{Tool: tool, Handler: s.forward(info.Name)})
		synced[info.Name] = info.ServerName
	}

	s.mcpServer.SetTools(serverTools...)

	s.mu.Lock()
	s.tools = synced
	s.mu.Unlock()

	log.Info().Int("tools", len(synced)).Msg("MCP proxy tool list synced")
	return len(synced), nil
}

// Tools returns the exported tool names mapped to their servers
func (s *Server) Tools() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.tools))
	for k, v := range s.tools {
		out[k] = v
	}
	return out
}

func exportTool(info types.ToolInfo) (mcp.Tool, error) {
	schema := info.InputSchema
	if schema == nil {
		schema = map[string]interface{}{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return mcp.Tool{}, err
	}
	description := info.Description
	if description == "" {
		description = fmt.Sprintf("%s (via %s)", info.Name, info.ServerName)
	}
	return mcp.NewToolWithRawSchema(info.Name, description, raw), nil
}

func (s *Server) refreshTool() mcp.Tool {
	return mcp.Tool{
		Name:        RefreshToolName,
		Description: "Re-discover tools from downstream MCP servers. Refreshes every server unless one is named.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"server": map[string]interface{}{
					"type":        "string",
					"description": "Name of a single server to refresh",
				},
			},
		},
	}
}

func (s *Server) handleRefresh(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := request.GetArguments()["server"].(string)

	refreshErr := s.router.RefreshTools(ctx, name)
	count, err := s.Sync(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if refreshErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("refresh incomplete (%d tools available): %v", count, refreshErr)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("refreshed, %d tools available", count)), nil
}

// forward returns a handler that routes a call to the orchestrator. Routing
// errors are reported as tool errors so the calling agent can react to them.
func (s *Server) forward(tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.router.CallTool(ctx, tool, request.GetArguments())
		if err != nil {
			log.Warn().Err(err).Str("tool", tool).Msg("Proxied tool call failed")
			return mcp.NewToolResultError(err.Error()), nil
		}
		return convertResult(result), nil
	}
}

func convertResult(r *types.ToolResult) *mcp.CallToolResult {
	out := &mcp.CallToolResult{
		Content: make([]mcp.Content, 0, len(r.Content)),
		IsError: r.IsError,
	}
	for _, part := range r.Content {
		switch part.Type {
		case types.ContentImage:
			out.Content = append(out.Content, mcp.NewImageContent(part.Data, part.MimeType))
		case types.ContentAudio:
			out.Content = append(out.Content, mcp.NewAudioContent(part.Data, part.MimeType))
		default:
			if part.Data != "" && part.Text == "" {
				out.Content = append(out.Content, blobContent(part))
				continue
			}
			out.Content = append(out.Content, mcp.NewTextContent(part.Text))
		}
	}
	return out
}

// blobContent keeps binary payloads binary: image and audio mime types map to
// their own content kinds, anything else becomes an embedded blob resource.
func blobContent(part types.ContentPart) mcp.Content {
	switch {
	case strings.HasPrefix(part.MimeType, "image/"):
		return mcp.NewImageContent(part.Data, part.MimeType)
	case strings.HasPrefix(part.MimeType, "audio/"):
		return mcp.NewAudioContent(part.Data, part.MimeType)
	}
	return mcp.NewEmbeddedResource(mcp.BlobResourceContents{
		URI:      part.URI,
		MIMEType: part.MimeType,
		Blob:     part.Data,
	})
}

// ServeStdio serves MCP over in/out until ctx is cancelled or in is closed.
// Logs must not go to out.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(stdlog.New(log.Logger, "", 0))

	log.Info().Msg("Serving MCP over stdio")
	err := stdio.Listen(ctx, in, out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("mcp stdio server: %w", err)
}
