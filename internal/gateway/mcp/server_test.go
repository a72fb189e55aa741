package mcp

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Denis-Chistyakov/Raccordo/internal/orchestrator"
	"github.com/Denis-Chistyakov/Raccordo/pkg/mcpclient"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

type fakeRouter struct {
	mu        sync.Mutex
	tools     []types.ToolInfo
	refreshed []string
}

func (r *fakeRouter) setTools(tools ...types.ToolInfo) {
	r.mu.Lock()
	r.tools = tools
	r.mu.Unlock()
}

func (r *fakeRouter) GetAllTools(ctx context.Context) ([]types.ToolInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ToolInfo(nil), r.tools...), nil
}

func (r *fakeRouter) CallTool(ctx context.Context, name string, args map[string]interface{}) (*types.ToolResult, error) {
	switch name {
	case "ping":
		text := "pong"
		if v, ok := args["msg"].(string); ok {
			text = v
		}
		return &types.ToolResult{Content: []types.ContentPart{{Type: types.ContentText, Text: text}}}, nil
	case "broken":
		return types.ErrorResult("tool failed"), nil
	case "offline":
		return nil, &orchestrator.ServerNotConnectedError{Server: "a", Tool: name, State: mcpclient.StateError}
	}
	return nil, &orchestrator.ToolNotFoundError{Tool: name}
}

func (r *fakeRouter) RefreshTools(ctx context.Context, server string) error {
	r.mu.Lock()
	r.refreshed = append(r.refreshed, server)
	r.mu.Unlock()
	if server == "bad" {
		return errors.New("bad: refused")
	}
	return nil
}

func tool(name, server string) types.ToolInfo {
	return types.ToolInfo{
		Name:        name,
		Description: name + " tool",
		ServerName:  server,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"msg": map[string]interface{}{"type": "string"},
			},
		},
	}
}

func connectProxy(t *testing.T, s *Server) *mcpclient.Connection {
	t.Helper()
	ts := server.NewTestServer(s.MCPServer())
	t.Cleanup(ts.Close)

	conn := mcpclient.NewConnection(types.ServerConfig{
		Name:      "proxy",
		Transport: "sse",
		URL:       ts.URL + "/sse",
	}, mcpclient.DefaultConnectionOptions())
	t.Cleanup(func() { _ = conn.Disconnect() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx))
	return conn
}

func TestSync(t *testing.T) {
	router := &fakeRouter{}
	router.setTools(tool("ping", "a"), tool("pong", "b"), tool(RefreshToolName, "evil"))
	s := NewServer(router)

	n, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]string{"ping": "a", "pong": "b"}, s.Tools())

	router.setTools(tool("ping", "a"))
	n, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]string{"ping": "a"}, s.Tools())
}

func TestProxy_ListAndCallOverSSE(t *testing.T) {
	router := &fakeRouter{}
	router.setTools(tool("ping", "a"), tool("broken", "a"), tool("offline", "a"))
	s := NewServer(router)
	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	conn := connectProxy(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tools, err := conn.GetTools(ctx)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, d := range tools {
		names[d.Name] = true
		assert.Equal(t, "proxy", d.ServerName)
	}
	assert.True(t, names["ping"])
	assert.True(t, names["broken"])
	assert.True(t, names[RefreshToolName])

	result, err := conn.CallTool(ctx, "ping", map[string]interface{}{"msg": "hello"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "hello", result.Text())

	result, err = conn.CallTool(ctx, "broken", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "tool failed", result.Text())

	result, err = conn.CallTool(ctx, "offline", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "not connected")
}

func TestProxy_RefreshTool(t *testing.T) {
	router := &fakeRouter{}
	router.setTools(tool("ping", "a"))
	s := NewServer(router)
	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	conn := connectProxy(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	router.setTools(tool("ping", "a"), tool("pong", "b"))
	result, err := conn.CallTool(ctx, RefreshToolName, map[string]interface{}{"server": "b"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Text(), "2 tools")
	assert.Equal(t, map[string]string{"ping": "a", "pong": "b"}, s.Tools())

	result, err = conn.CallTool(ctx, RefreshToolName, map[string]interface{}{"server": "bad"})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	router.mu.Lock()
	assert.Equal(t, []string{"b", "bad"}, router.refreshed)
	router.mu.Unlock()

	conn.InvalidateTools()
	tools, err := conn.GetTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 3)
}

func TestConvertResult(t *testing.T) {
	out := convertResult(&types.ToolResult{
		IsError: true,
		Content: []types.ContentPart{
			{Type: types.ContentText, Text: "hi"},
			{Type: types.ContentImage, Data: "aGk=", MimeType: "image/png"},
			{Type: types.ContentAudio, Data: "aGk=", MimeType: "audio/wav"},
		},
	})
	require.Len(t, out.Content, 3)
	assert.True(t, out.IsError)

	text, ok := out.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hi", text.Text)

	img, ok := out.Content[1].(mcp.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MIMEType)

	_, ok = out.Content[2].(mcp.AudioContent)
	assert.True(t, ok)
}

func TestConvertResult_ResourceBlobs(t *testing.T) {
	out := convertResult(&types.ToolResult{
		Content: []types.ContentPart{
			{Type: types.ContentResource, Data: "JVBERg==", MimeType: "application/pdf", URI: "file:///r.pdf"},
			{Type: types.ContentResource, Data: "aGk=", MimeType: "image/jpeg"},
			{Type: types.ContentResource, Data: "aGk=", MimeType: "audio/ogg"},
			{Type: types.ContentResource, Text: "notes"},
		},
	})
	require.Len(t, out.Content, 4)

	res, ok := out.Content[0].(mcp.EmbeddedResource)
	require.True(t, ok, "got %T", out.Content[0])
	blob, ok := res.Resource.(mcp.BlobResourceContents)
	require.True(t, ok)
	assert.Equal(t, "JVBERg==", blob.Blob)
	assert.Equal(t, "application/pdf", blob.MIMEType)
	assert.Equal(t, "file:///r.pdf", blob.URI)

	img, ok := out.Content[1].(mcp.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "aGk=", img.Data)

	_, ok = out.Content[2].(mcp.AudioContent)
	assert.True(t, ok)

	text, ok := out.Content[3].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "notes", text.Text)
}

func TestServeStdio_StopsOnEOF(t *testing.T) {
	s := NewServer(&fakeRouter{})

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- s.ServeStdio(context.Background(), pr, io.Discard)
	}()

	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stdio server did not stop")
	}
}
