package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"
)

// SSETransport serves the proxy over the HTTP+SSE binding
type SSETransport struct {
	sse  *server.SSEServer
	addr string
}

// NewSSETransport creates an SSE transport listening on addr
func NewSSETransport(s *Server, addr, baseURL string) *SSETransport {
	opts := []server.SSEOption{}
	if baseURL != "" {
		opts = append(opts, server.WithBaseURL(baseURL))
	}
	return &SSETransport{
		sse:  server.NewSSEServer(s.MCPServer(), opts...),
		addr: addr,
	}
}

// Handler returns the HTTP handler serving /sse and /message
func (t *SSETransport) Handler() http.Handler {
	return t.sse
}

// Start starts listening in the background
func (t *SSETransport) Start() error {
	if t.addr == "" {
		return fmt.Errorf("sse transport: listen address is required")
	}

	log.Info().Str("addr", t.addr).Msg("Starting MCP SSE transport")

	go func() {
		if err := t.sse.Start(t.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("MCP SSE transport failed")
		}
	}()
	return nil
}

// Stop shuts the transport down
func (t *SSETransport) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping MCP SSE transport")
	return t.sse.Shutdown(ctx)
}
