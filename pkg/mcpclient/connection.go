package mcpclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// ConnectionState is the lifecycle state of a Connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// Notifier receives host-facing notifications.
type Notifier interface {
	// ServerUnreachable is sent once when the reconnect budget is exhausted
	ServerUnreachable(server string, attempts int)
}

// LogNotifier reports notifications through the logger.
type LogNotifier struct{}

// ServerUnreachable implements Notifier.
func (LogNotifier) ServerUnreachable(server string, attempts int) {
	log.Warn().
		Str("server", server).
		Int("attempts", attempts).
		Msg("MCP server unreachable, automatic reconnection stopped")
}

// Connection defaults
const (
	DefaultToolsTTL             = 5 * time.Minute
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultHandshakeTimeout     = 30 * time.Second
)

// ConnectionOptions configures a Connection
type ConnectionOptions struct {
	ToolsTTL             time.Duration
	// MaxReconnectAttempts is the automatic reconnect ceiling. Zero selects
	// DefaultMaxReconnectAttempts; a negative value disables reconnects.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	TerminationGrace     time.Duration
	HandshakeTimeout     time.Duration

	TransportFactory TransportFactory
	Notifier         Notifier

	// OnReconnect is called whenever an automatic reconnect is scheduled
	OnReconnect func(server string, attempt int, delay time.Duration)
	// OnToolsChanged is called when the server announces a new tool list
	OnToolsChanged func(server string)

	Now func() time.Time
}

// DefaultConnectionOptions returns sensible defaults
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		ToolsTTL:             DefaultToolsTTL,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectBaseDelay:   DefaultReconnectBaseDelay,
		ReconnectMaxDelay:    DefaultReconnectMaxDelay,
		TerminationGrace:     DefaultTerminationGrace,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		TransportFactory:     NewTransport,
		Notifier:             LogNotifier{},
		Now:                  time.Now,
	}
}

func (o *ConnectionOptions) applyDefaults() {
	def := DefaultConnectionOptions()
	if o.ToolsTTL <= 0 {
		o.ToolsTTL = def.ToolsTTL
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if o.TerminationGrace <= 0 {
		o.TerminationGrace = def.TerminationGrace
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.TransportFactory == nil {
		o.TransportFactory = def.TransportFactory
	}
	if o.Notifier == nil {
		o.Notifier = def.Notifier
	}
	if o.Now == nil {
		o.Now = def.Now
	}
}

// ReconnectDelay returns the backoff before reconnect attempt n (1-based):
// base doubled per attempt, capped at max.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return max
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

type stopper interface {
	Stop() bool
}

// Connection is the client for one configured server. It owns at most one
// transport at a time and is the only writer of its state.
type Connection struct {
	name    string
	spec    TransportSpec
	specErr error
	opts    ConnectionOptions

	mu         sync.Mutex
	state      ConnectionState
	transport  Transport
	client     *Client
	generation uint64
	epoch      uint64 // bumped by Disconnect only
	connecting chan struct{}

	attempts  int
	exhausted bool
	timer     stopper

	tools       []types.ToolDescriptor
	toolsExpiry time.Time
	lastErr     error

	afterFunc func(d time.Duration, f func()) stopper
}

// NewConnection creates a Connection in the Disconnected state. The
// transport variant is resolved here; a bad config surfaces on Connect.
func NewConnection(cfg types.ServerConfig, opts ConnectionOptions) *Connection {
	opts.applyDefaults()
	spec, err := ResolveTransport(cfg)
	return &Connection{
		name:    cfg.Name,
		spec:    spec,
		specErr: err,
		opts:    opts,
		state:   StateDisconnected,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Name returns the server name
func (c *Connection) Name() string {
	return c.name
}

// Kind returns the resolved transport kind, empty when the config is invalid
func (c *Connection) Kind() TransportType {
	if c.spec == nil {
		return ""
	}
	return c.spec.Kind()
}

// State returns the current state
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the Connection is in the Connected state
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Attempts returns the number of automatic reconnects since the last success
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastError returns the most recent connection failure
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect establishes the session. It is a no-op when connected and fails
// fast with ErrConnectionInProgress during a handshake. An explicit Connect
// resets the reconnect budget.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectionInProgress
	}
	c.attempts = 0
	c.exhausted = false
	c.mu.Unlock()

	return c.connect(ctx, nil)
}

// connect opens a new session. When epoch is set it refuses to run once a
// Disconnect happened after that epoch was read.
func (c *Connection) connect(ctx context.Context, epoch *uint64) error {
	c.mu.Lock()
	if epoch != nil && *epoch != c.epoch {
		c.mu.Unlock()
		return &ConnectionError{Server: c.name, Err: ErrNotConnected}
	}
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectionInProgress
	}
	if c.specErr != nil {
		c.state = StateError
		c.lastErr = c.specErr
		c.mu.Unlock()
		return c.specErr
	}

	c.stopTimerLocked()
	c.generation++
	gen := c.generation
	c.state = StateConnecting
	done := make(chan struct{})
	c.connecting = done
	c.mu.Unlock()

	log.Info().
		Str("server", c.name).
		Str("transport", string(c.spec.Kind())).
		Msg("Connecting to MCP server")

	tr, client, err := c.handshake(ctx, gen)

	c.mu.Lock()
	defer close(done)
	if c.connecting == done {
		c.connecting = nil
	}

	if gen != c.generation {
		c.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return &ConnectionError{Server: c.name, Err: ErrTransportClosed}
	}

	if err != nil {
		c.state = StateError
		c.lastErr = err
		notify := c.scheduleReconnectLocked(gen)
		c.mu.Unlock()
		notify()
		log.Error().Err(err).Str("server", c.name).Msg("Failed to connect to MCP server")
		return &ConnectionError{Server: c.name, Err: err}
	}

	c.transport = tr
	c.client = client
	c.state = StateConnected
	c.attempts = 0
	c.exhausted = false
	c.lastErr = nil
	c.mu.Unlock()

	log.Info().Str("server", c.name).Msg("Connected to MCP server")
	return nil
}

// handshake opens a transport and runs initialize. On failure the transport
// is already closed.
func (c *Connection) handshake(ctx context.Context, gen uint64) (Transport, *Client, error) {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	tr, err := c.opts.TransportFactory(hctx, &TransportConfig{
		Server:           c.name,
		Spec:             c.spec,
		TerminationGrace: c.opts.TerminationGrace,
	}, func(ev Event) { c.handleEvent(gen, ev) })
	if err != nil {
		return nil, nil, err
	}

	client := NewClient(c.name, tr)
	info, err := client.Initialize(hctx)
	if err != nil {
		_ = tr.Close()
		return nil, nil, err
	}

	log.Debug().
		Str("server", c.name).
		Str("protocol", info.ProtocolVersion).
		Str("server_name", info.ServerInfo.Name).
		Str("server_version", info.ServerInfo.Version).
		Msg("MCP handshake complete")

	return tr, client, nil
}

// handleEvent reacts to transport events of generation gen
func (c *Connection) handleEvent(gen uint64, ev Event) {
	if ev.Type == EventNotification {
		if ev.Method == types.MethodToolsListChanged {
			c.mu.Lock()
			stale := gen != c.generation
			if !stale {
				c.tools = nil
				c.toolsExpiry = time.Time{}
			}
			c.mu.Unlock()
			if !stale && c.opts.OnToolsChanged != nil {
				c.opts.OnToolsChanged(c.name)
			}
		}
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.state != StateConnected {
		c.mu.Unlock()
		return
	}

	tr := c.transport
	c.transport = nil
	c.client = nil
	c.tools = nil
	c.toolsExpiry = time.Time{}
	if ev.Type == EventClosed {
		c.state = StateDisconnected
	} else {
		c.state = StateError
		c.lastErr = ev.Err
	}
	notify := c.scheduleReconnectLocked(gen)
	c.mu.Unlock()

	log.Warn().
		Err(ev.Err).
		Str("server", c.name).
		Str("state", c.State().String()).
		Msg("MCP transport lost")

	if tr != nil {
		_ = tr.Close()
	}
	notify()
}

// scheduleReconnectLocked arms the backoff timer, or reports exhaustion once.
// The returned func must be called after the lock is released.
func (c *Connection) scheduleReconnectLocked(gen uint64) func() {
	if c.attempts >= c.opts.MaxReconnectAttempts {
		if c.exhausted {
			return func() {}
		}
		c.exhausted = true
		attempts := c.attempts
		return func() {
			c.opts.Notifier.ServerUnreachable(c.name, attempts)
		}
	}

	c.attempts++
	attempt := c.attempts
	delay := ReconnectDelay(attempt, c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay)
	c.stopTimerLocked()
	c.timer = c.afterFunc(delay, func() { c.reconnect(gen) })

	return func() {
		log.Info().
			Str("server", c.name).
			Int("attempt", attempt).
			Int("max", c.opts.MaxReconnectAttempts).
			Dur("delay", delay).
			Msg("Scheduled MCP reconnect")
		if c.opts.OnReconnect != nil {
			c.opts.OnReconnect(c.name, attempt, delay)
		}
	}
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// reconnect is the timer callback; stale generations are ignored
func (c *Connection) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || (c.state != StateError && c.state != StateDisconnected) {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	if err := c.connect(context.Background(), nil); err != nil {
		log.Debug().Err(err).Str("server", c.name).Msg("Reconnect attempt failed")
	}
}

// ensureConnected waits out an in-flight handshake, then connects if needed
func (c *Connection) ensureConnected(ctx context.Context, epoch *uint64) error {
	for {
		c.mu.Lock()
		state := c.state
		waitCh := c.connecting
		stale := epoch != nil && *epoch != c.epoch
		c.mu.Unlock()

		if stale {
			return &ConnectionError{Server: c.name, Err: ErrNotConnected}
		}

		switch state {
		case StateConnected:
			return nil
		case StateConnecting:
			if waitCh == nil {
				return ErrConnectionInProgress
			}
			select {
			case <-waitCh:
				continue
			case <-ctx.Done():
				return &ConnectionError{Server: c.name, Err: ctx.Err()}
			}
		}

		err := c.connect(ctx, epoch)
		if err == ErrConnectionInProgress {
			continue
		}
		return err
	}
}

// session returns the live protocol client, connecting first if needed.
// A non-nil epoch makes it fail instead of reconnecting after a Disconnect.
func (c *Connection) session(ctx context.Context, epoch *uint64) (*Client, error) {
	if err := c.ensureConnected(ctx, epoch); err != nil {
		return nil, err
	}
	c.mu.Lock()
	client := c.client
	stale := epoch != nil && *epoch != c.epoch
	c.mu.Unlock()
	if client == nil || stale {
		return nil, &ConnectionError{Server: c.name, Err: ErrNotConnected}
	}
	return client, nil
}

func (c *Connection) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// dropSession discards failed so the next session() reconnects. It does
// nothing if failed is no longer the live session.
func (c *Connection) dropSession(failed *Client) {
	c.mu.Lock()
	if c.client != failed || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.generation++
	tr := c.transport
	c.transport = nil
	c.client = nil
	c.tools = nil
	c.toolsExpiry = time.Time{}
	c.state = StateDisconnected
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
}

func (c *Connection) cachedTools() ([]types.ToolDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tools == nil || !c.opts.Now().Before(c.toolsExpiry) {
		return nil, false
	}
	return append([]types.ToolDescriptor(nil), c.tools...), true
}

func (c *Connection) storeTools(client *Client, tools []types.ToolDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != client {
		return
	}
	if tools == nil {
		tools = []types.ToolDescriptor{}
	}
	c.tools = append([]types.ToolDescriptor(nil), tools...)
	c.toolsExpiry = c.opts.Now().Add(c.opts.ToolsTTL)
}

// GetTools returns the server's tools, served from cache within the TTL.
// A closed transport during discovery is retried once on a new session.
func (c *Connection) GetTools(ctx context.Context) ([]types.ToolDescriptor, error) {
	if tools, ok := c.cachedTools(); ok {
		return tools, nil
	}

	epoch := c.currentEpoch()
	client, err := c.session(ctx, nil)
	if err != nil {
		return nil, err
	}

	tools, err := client.ListTools(ctx)
	if err != nil && IsTransportClosed(err) {
		log.Warn().Err(err).Str("server", c.name).Msg("Transport closed during discovery, reconnecting")
		c.dropSession(client)
		client, err = c.session(ctx, &epoch)
		if err == nil {
			tools, err = client.ListTools(ctx)
		}
	}
	if err != nil {
		return nil, &DiscoveryError{Server: c.name, Err: err}
	}

	c.storeTools(client, tools)

	log.Debug().Str("server", c.name).Int("tools", len(tools)).Msg("Discovered MCP tools")
	return append([]types.ToolDescriptor(nil), tools...), nil
}

// InvalidateTools drops the cached tool list
func (c *Connection) InvalidateTools() {
	c.mu.Lock()
	c.tools = nil
	c.toolsExpiry = time.Time{}
	c.mu.Unlock()
}

// CallTool invokes a tool. Only a failure to establish the connection is
// returned as an error; every other failure is a result with IsError set.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]interface{}) (*types.ToolResult, error) {
	start := time.Now()

	epoch := c.currentEpoch()
	client, err := c.session(ctx, nil)
	if err != nil {
		return nil, err
	}

	attempts := 1
	result, err := client.CallTool(ctx, name, args)
	if err != nil && IsTransportClosed(err) {
		log.Warn().
			Err(err).
			Str("server", c.name).
			Str("tool", name).
			Msg("Transport closed during tool call, retrying once")
		c.dropSession(client)
		attempts++
		var retryClient *Client
		retryClient, err = c.session(ctx, &epoch)
		if err == nil {
			result, err = retryClient.CallTool(ctx, name, args)
		}
	}

	if err != nil {
		log.Error().
			Err(err).
			Str("server", c.name).
			Str("tool", name).
			Int("attempts", attempts).
			Msg("MCP tool call failed")
		result = types.ErrorResult(fmt.Sprintf("tool %q on server %q failed: %v", name, c.name, err))
	}

	result.Metadata = types.ResultMetadata{
		Duration:   time.Since(start),
		ServerName: c.name,
		ToolName:   name,
		Attempts:   attempts,
	}
	return result, nil
}

// Disconnect closes the session. Idempotent; cancels pending reconnects and
// resets the reconnect budget and tool cache. Calls in flight are not retried
// on a new session.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.generation++
	c.epoch++
	c.stopTimerLocked()
	tr := c.transport
	c.transport = nil
	c.client = nil
	c.state = StateDisconnected
	c.tools = nil
	c.toolsExpiry = time.Time{}
	c.attempts = 0
	c.exhausted = false
	c.mu.Unlock()

	if tr == nil {
		return nil
	}

	log.Info().Str("server", c.name).Msg("Disconnecting from MCP server")
	if err := tr.Close(); err != nil {
		return fmt.Errorf("failed to close transport for %s: %w", c.name, err)
	}
	return nil
}
