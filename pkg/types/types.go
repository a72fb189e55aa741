package types

// Package types provides shared type definitions for Raccordo.
// Contains the server configuration, tool catalog and invocation structures
// used across the client, orchestrator and gateways.
import (
	"encoding/json"
	"strings"
	"time"
)

// Server configuration

// ServerConfig describes one MCP tool provider as loaded from configuration.
// Either Command (subprocess) or URL (stream) must be set.
type ServerConfig struct {
	Name        string            `json:"name" mapstructure:"-"`
	Command     string            `json:"command,omitempty" mapstructure:"command"`
	Args        []string          `json:"args,omitempty" mapstructure:"args"`
	Env         map[string]string `json:"env,omitempty" mapstructure:"env"`
	WorkDir     string            `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Transport   string            `json:"transport,omitempty" mapstructure:"transport"`
	URL         string            `json:"url,omitempty" mapstructure:"url"`
	Headers     map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Description string            `json:"description,omitempty" mapstructure:"description"`
	Enabled     *bool             `json:"enabled,omitempty" mapstructure:"enabled"`
}

// IsEnabled reports whether the server may be connected. Servers are enabled
// unless explicitly disabled.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TransportName returns the normalized transport field.
func (c ServerConfig) TransportName() string {
	return strings.ToLower(strings.TrimSpace(c.Transport))
}

// Bool returns a pointer to v, for optional config flags.
func Bool(v bool) *bool {
	return &v
}

// Tool catalog

// ToolDescriptor is an immutable snapshot of a tool advertised by a server.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	ServerName  string                 `json:"serverName"`
	Category    string                 `json:"category,omitempty"`
}

// ToolInfo is the flat catalog export handed to tool-selection layers.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	ServerName  string                 `json:"serverName"`
}

// Info converts a descriptor to its export form.
func (d ToolDescriptor) Info() ToolInfo {
	schema := d.InputSchema
	if schema == nil {
		schema = map[string]interface{}{"type": "object"}
	}
	return ToolInfo{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: schema,
		ServerName:  d.ServerName,
	}
}

// Invocation

// Content part types
const (
	ContentText     = "text"
	ContentImage    = "image"
	ContentAudio    = "audio"
	ContentResource = "resource"
)

// ContentPart is one typed element of a tool result.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"` // embedded resources only
}

// ToolCallRequest is the call envelope accepted by gateways.
type ToolCallRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResult is produced fresh for every invocation; it is never cached.
type ToolResult struct {
	Content  []ContentPart  `json:"content"`
	IsError  bool           `json:"isError"`
	Metadata ResultMetadata `json:"metadata"`
}

// ResultMetadata carries invocation accounting for a ToolResult.
type ResultMetadata struct {
	Duration     time.Duration `json:"duration"`
	ServerName   string        `json:"serverName"`
	ToolName     string        `json:"toolName"`
	InvocationID string        `json:"invocationId,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
}

// Text joins all text parts of the result.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ErrorResult builds an isError result carrying a single text part.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{
		Content: []ContentPart{{Type: ContentText, Text: message}},
		IsError: true,
	}
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// MCP Types (JSON-RPC 2.0)

// JSONRPCVersion is the only protocol version spoken on the wire.
const JSONRPCVersion = "2.0"

// MCPRequest represents a JSON-RPC 2.0 request. Requests without an ID are
// notifications.
type MCPRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id,omitempty"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// MCPResponse represents a JSON-RPC 2.0 response
type MCPResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
}

// MCPMessage is any inbound frame before it is known to be a response,
// a server request or a notification.
type MCPMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
}

// IsResponse reports whether the frame answers one of our requests.
func (m *MCPMessage) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification reports whether the frame is a server notification.
func (m *MCPMessage) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Response converts the frame into a response.
func (m *MCPMessage) Response() *MCPResponse {
	return &MCPResponse{
		JSONRPC: m.JSONRPC,
		ID:      m.ID,
		Result:  m.Result,
		Error:   m.Error,
	}
}

// MCPError represents a JSON-RPC 2.0 error
type MCPError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MCP Error Codes (JSON-RPC 2.0 standard + custom)
const (
	MCPErrorParseError     = -32700
	MCPErrorInvalidRequest = -32600
	MCPErrorMethodNotFound = -32601
	MCPErrorInvalidParams  = -32602
	MCPErrorInternalError  = -32603
	MCPErrorServerError    = -32000
)

// MCP method names used by the client.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "notifications/initialized"
	MethodPing             = "ping"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodToolsListChanged = "notifications/tools/list_changed"
)

// MCPInitializeResult represents the initialize method result
type MCPInitializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    struct {
		Tools *struct {
			ListChanged bool `json:"listChanged,omitempty"`
		} `json:"tools,omitempty"`
	} `json:"capabilities"`
	ServerInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Instructions string `json:"instructions,omitempty"`
}

// MCPToolInfo represents tool information in MCP format
type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Annotations map[string]interface{} `json:"annotations,omitempty"`
}

// MCPListToolsResult is the tools/list result page.
type MCPListToolsResult struct {
	Tools      []MCPToolInfo `json:"tools"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// MCPContent is a raw content block of a tools/call result.
type MCPContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// MCPCallToolResult is the tools/call result.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// Config Types

// Config represents the entire application configuration
type Config struct {
	Servers    map[string]ServerConfig `mapstructure:"servers"`
	Gateway    GatewayConfig           `mapstructure:"gateway"`
	Catalog    CatalogConfig           `mapstructure:"catalog"`
	Connection ConnectionConfig        `mapstructure:"connection"`
	Probe      ProbeConfig             `mapstructure:"probe"`
	Journal    JournalConfig           `mapstructure:"journal"`
	Metrics    MetricsConfig           `mapstructure:"metrics"`
	Logging    LoggingConfig           `mapstructure:"logging"`
}

// GatewayConfig represents HTTP gateway configuration
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// CatalogConfig controls catalog freshness.
type CatalogConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// ConnectionConfig controls per-server connection behaviour.
type ConnectionConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	TerminationGrace     time.Duration `mapstructure:"termination_grace"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
}

// ProbeConfig controls the prerequisite availability probe.
type ProbeConfig struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// JournalConfig represents the invocation journal (BadgerDB) configuration
type JournalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	InMemory  bool          `mapstructure:"in_memory"`
	Retention time.Duration `mapstructure:"retention"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
