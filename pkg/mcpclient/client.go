package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Denis-Chistyakov/Raccordo/internal/version"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// maxToolPages bounds tools/list pagination against servers that loop cursors
const maxToolPages = 100

// Client is one MCP protocol session over a Transport.
type Client struct {
	server    string
	transport Transport
	requestID atomic.Int64
}

// NewClient creates a protocol session for server over t
func NewClient(server string, t Transport) *Client {
	return &Client{server: server, transport: t}
}

// Initialize performs the MCP handshake: initialize followed by the
// initialized notification.
func (c *Client) Initialize(ctx context.Context) (*types.MCPInitializeResult, error) {
	params := map[string]interface{}{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "raccordo",
			"version": version.Version,
		},
	}

	var result types.MCPInitializeResult
	if err := c.call(ctx, types.MethodInitialize, params, &result); err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	if err := c.transport.Notify(ctx, types.MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized notification failed: %w", err)
	}

	return &result, nil
}

// ListTools returns every tool the server advertises, following pagination
func (c *Client) ListTools(ctx context.Context) ([]types.ToolDescriptor, error) {
	var tools []types.ToolDescriptor
	cursor := ""

	for page := 0; page < maxToolPages; page++ {
		var params map[string]interface{}
		if cursor != "" {
			params = map[string]interface{}{"cursor": cursor}
		}

		var result types.MCPListToolsResult
		if err := c.call(ctx, types.MethodToolsList, params, &result); err != nil {
			return nil, err
		}

		for _, t := range result.Tools {
			tools = append(tools, c.descriptor(t))
		}

		if result.NextCursor == "" || result.NextCursor == cursor {
			return tools, nil
		}
		cursor = result.NextCursor
	}

	return nil, fmt.Errorf("tools/list exceeded %d pages", maxToolPages)
}

func (c *Client) descriptor(t types.MCPToolInfo) types.ToolDescriptor {
	schema := t.InputSchema
	if schema == nil {
		schema = map[string]interface{}{"type": "object"}
	}
	category := ""
	if v, ok := t.Annotations["category"].(string); ok {
		category = v
	}
	return types.ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
		ServerName:  c.server,
		Category:    category,
	}
}

// CallTool invokes a tool. A tool reporting failure is returned as a result
// with IsError set; err is reserved for transport and protocol failures.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*types.ToolResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}

	var result types.MCPCallToolResult
	if err := c.call(ctx, types.MethodToolsCall, params, &result); err != nil {
		return nil, err
	}

	out := &types.ToolResult{
		Content: make([]types.ContentPart, 0, len(result.Content)),
		IsError: result.IsError,
	}
	for _, content := range result.Content {
		out.Content = append(out.Content, convertContent(content))
	}
	return out, nil
}

func convertContent(c types.MCPContent) types.ContentPart {
	part := types.ContentPart{Type: c.Type, Text: c.Text, Data: c.Data, MimeType: c.MimeType}
	if c.Type == types.ContentResource && len(c.Resource) > 0 {
		var res struct {
			URI      string `json:"uri"`
			MimeType string `json:"mimeType"`
			Text     string `json:"text"`
			Blob     string `json:"blob"`
		}
		if err := json.Unmarshal(c.Resource, &res); err == nil {
			part.Text = res.Text
			part.Data = res.Blob
			part.MimeType = res.MimeType
			part.URI = res.URI
			if part.Text == "" && part.Data == "" {
				part.Text = res.URI
			}
		}
	}
	return part
}

// call sends a request and decodes the result into out
func (c *Client) call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	req := &types.MCPRequest{
		JSONRPC: types.JSONRPCVersion,
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return newRPCError(method, resp.Error)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}
