package mcpclient

// Package mcpclient provides the MCP protocol client.
// Supports subprocess (stdio) and stream (HTTP+SSE) transports, the protocol
// session on top of them and the per-server Connection state machine.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// TransportType identifies the transport mechanism
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportSSE   TransportType = "sse"
)

// Transport defines the interface for MCP communication.
// Both stdio and SSE transports implement this interface.
type Transport interface {
	// Send sends a request and waits for the matching response
	Send(ctx context.Context, req *types.MCPRequest) (*types.MCPResponse, error)

	// Notify sends a notification; no response is expected
	Notify(ctx context.Context, method string, params map[string]interface{}) error

	// Close closes the transport and releases resources
	Close() error

	// IsConnected returns true if the transport is ready to send requests
	IsConnected() bool

	// Type returns the transport type
	Type() TransportType
}

// EventType identifies an asynchronous transport event.
type EventType int

const (
	// EventClosed is a clean, unrequested close (process exit 0, stream EOF).
	EventClosed EventType = iota
	// EventError is an abnormal termination.
	EventError
	// EventNotification is a server notification.
	EventNotification
)

// Event is emitted by a transport outside of any request.
// Closed and Error are emitted at most once and never after Close.
type Event struct {
	Type   EventType
	Err    error
	Method string
	Params json.RawMessage
}

// EventHandler receives transport events. It may be called from transport
// goroutines and must not block for long.
type EventHandler func(Event)

// TransportSpec is the resolved transport variant of a server:
// either SubprocessSpec or StreamSpec.
type TransportSpec interface {
	Kind() TransportType
}

// SubprocessSpec launches a local server speaking JSON-RPC over stdio.
type SubprocessSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string
}

// Kind implements TransportSpec.
func (SubprocessSpec) Kind() TransportType { return TransportStdio }

// StreamSpec connects to a remote server over HTTP+SSE.
type StreamSpec struct {
	URL     string
	Headers map[string]string
}

// Kind implements TransportSpec.
func (StreamSpec) Kind() TransportType { return TransportSSE }

// TransportConfig holds configuration for creating transports
type TransportConfig struct {
	Server string
	Spec   TransportSpec

	// TerminationGrace bounds how long a subprocess may take to exit on Close
	TerminationGrace time.Duration
}

// TransportFactory opens a transport. Connections use NewTransport unless
// another factory is injected.
type TransportFactory func(ctx context.Context, cfg *TransportConfig, onEvent EventHandler) (Transport, error)

// NewTransport creates a transport based on configuration
func NewTransport(ctx context.Context, cfg *TransportConfig, onEvent EventHandler) (Transport, error) {
	switch spec := cfg.Spec.(type) {
	case SubprocessSpec:
		return NewStdioTransport(cfg.Server, spec, cfg.TerminationGrace, onEvent)
	case StreamSpec:
		return NewStreamTransport(ctx, cfg.Server, spec, onEvent)
	default:
		return nil, &ConfigError{Server: cfg.Server, Reason: fmt.Sprintf("unsupported transport spec %T", cfg.Spec)}
	}
}

// ResolveTransport selects the transport variant for a server config.
// A stream transport needs an http(s) URL; otherwise a command is required.
func ResolveTransport(cfg types.ServerConfig) (TransportSpec, error) {
	switch cfg.TransportName() {
	case "sse", "stream", "http", "https":
		return resolveStream(cfg)
	case "", "stdio", "subprocess":
	default:
		return nil, &ConfigError{Server: cfg.Name, Reason: fmt.Sprintf("unknown transport %q", cfg.Transport)}
	}

	if strings.TrimSpace(cfg.Command) != "" {
		return SubprocessSpec{
			Command: strings.TrimSpace(cfg.Command),
			Args:    append([]string(nil), cfg.Args...),
			Env:     cloneStringMap(cfg.Env),
			WorkDir: cfg.WorkDir,
		}, nil
	}
	if cfg.TransportName() == "" && strings.TrimSpace(cfg.URL) != "" {
		return resolveStream(cfg)
	}
	return nil, &ConfigError{Server: cfg.Name, Reason: "neither command nor stream url configured"}
}

func resolveStream(cfg types.ServerConfig) (TransportSpec, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, &ConfigError{Server: cfg.Name, Reason: "stream transport requires url"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ConfigError{Server: cfg.Name, Reason: fmt.Sprintf("invalid url %q: %v", raw, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ConfigError{Server: cfg.Name, Reason: fmt.Sprintf("unsupported url scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &ConfigError{Server: cfg.Name, Reason: fmt.Sprintf("url %q has no host", raw)}
	}
	return StreamSpec{URL: u.String(), Headers: cloneStringMap(cfg.Headers)}, nil
}

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// callResult is delivered to a waiting Send.
type callResult struct {
	resp *types.MCPResponse
	err  error
}

// pendingCalls tracks in-flight requests by normalized ID.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[interface{}]chan callResult
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[interface{}]chan callResult)}
}

func (p *pendingCalls) add(id interface{}) chan callResult {
	ch := make(chan callResult, 1)
	p.mu.Lock()
	p.calls[normalizeID(id)] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingCalls) remove(id interface{}) {
	p.mu.Lock()
	delete(p.calls, normalizeID(id))
	p.mu.Unlock()
}

// resolve delivers resp to its waiter. Returns false for unknown IDs.
func (p *pendingCalls) resolve(resp *types.MCPResponse) bool {
	id := normalizeID(resp.ID)
	p.mu.Lock()
	ch, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- callResult{resp: resp}
	}
	return ok
}

// failAll cancels every pending request with err
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.calls {
		ch <- callResult{err: err}
		delete(p.calls, id)
	}
}

// await blocks until the response arrives, the context ends or done closes.
func (p *pendingCalls) await(ctx context.Context, id interface{}, ch chan callResult, done <-chan struct{}) (*types.MCPResponse, error) {
	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		p.remove(id)
		return nil, contextError("send", ctx.Err())
	case <-done:
		p.remove(id)
		return nil, closedError("send", nil)
	}
}

// dispatchMessage routes one inbound frame: responses to their waiter,
// notifications to onEvent, server requests to reply.
func dispatchMessage(server string, data []byte, pending *pendingCalls, onEvent EventHandler, reply func(*types.MCPResponse) error) {
	var msg types.MCPMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().
			Err(err).
			Str("server", server).
			Str("line", truncate(string(data), 256)).
			Msg("Failed to parse MCP message")
		return
	}

	switch {
	case msg.IsResponse():
		if !pending.resolve(msg.Response()) {
			log.Warn().
				Str("server", server).
				Interface("id", msg.ID).
				Msg("Received response for unknown request")
		}
	case msg.IsNotification():
		log.Debug().Str("server", server).Str("method", msg.Method).Msg("Received MCP notification")
		if onEvent != nil {
			onEvent(Event{Type: EventNotification, Method: msg.Method, Params: msg.Params})
		}
	case msg.Method != "":
		resp := &types.MCPResponse{JSONRPC: types.JSONRPCVersion, ID: msg.ID}
		if msg.Method == types.MethodPing {
			resp.Result = json.RawMessage(`{}`)
		} else {
			resp.Error = &types.MCPError{
				Code:    types.MCPErrorMethodNotFound,
				Message: fmt.Sprintf("method %q not supported by client", msg.Method),
			}
		}
		if err := reply(resp); err != nil {
			log.Warn().Err(err).Str("server", server).Str("method", msg.Method).Msg("Failed to answer server request")
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// normalizeID normalizes request/response IDs for consistent map lookup.
// JSON unmarshals numbers as float64, but requests carry int64.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		return v.String()
	default:
		return id
	}
}
