package orchestrator

// Package orchestrator routes tool calls across many MCP servers.
// It owns the server configuration set, connects servers lazily, keeps the
// aggregated tool catalog and maps each tool name to the server that serves it.

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Denis-Chistyakov/Raccordo/internal/catalog"
	"github.com/Denis-Chistyakov/Raccordo/internal/journal"
	"github.com/Denis-Chistyakov/Raccordo/internal/metrics"
	"github.com/Denis-Chistyakov/Raccordo/internal/probe"
	"github.com/Denis-Chistyakov/Raccordo/pkg/mcpclient"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// DefaultServerName is the entry used when no configuration is supplied
const DefaultServerName = "docker"

// DefaultServers returns the built-in configuration: the Docker MCP gateway.
func DefaultServers() map[string]types.ServerConfig {
	return map[string]types.ServerConfig{
		DefaultServerName: {
			Name:        DefaultServerName,
			Command:     "docker",
			Args:        []string{"mcp", "gateway", "run"},
			Description: "Docker MCP Toolkit gateway",
		},
	}
}

// CallJournal records routed calls
type CallJournal interface {
	Record(ctx context.Context, r *journal.Record) error
}

// Options configures an Orchestrator
type Options struct {
	// Connection is the template for every server connection
	Connection mcpclient.ConnectionOptions
	// CatalogTTL bounds how long discovered tools are routed without re-discovery
	CatalogTTL time.Duration
	// BreakerTimeout is how long a server that keeps failing discovery is skipped
	BreakerTimeout time.Duration

	// Probe is checked by Initialize. When nil and an enabled server launches
	// docker, a docker probe is used.
	Probe probe.Prober

	Metrics *metrics.Collector
	Journal CallJournal
}

// Stats is a snapshot derived from live state
type Stats struct {
	Initialized      bool           `json:"initialized"`
	ConnectedServers int            `json:"connected_servers"`
	TotalTools       int            `json:"total_tools"`
	ToolsByServer    map[string]int `json:"tools_by_server"`
	Invocations      int64          `json:"invocations"`
	Failures         int64          `json:"failures"`
	LastRefresh      *time.Time     `json:"last_refresh,omitempty"`
}

// ServerStatus describes one configured server
type ServerStatus struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Kind        string `json:"kind"`
	Enabled     bool   `json:"enabled"`
	State       string `json:"state"`
	Tools       int    `json:"tools"`
	Attempts    int    `json:"reconnect_attempts"`
	Breaker     string `json:"breaker"`
	LastError   string `json:"last_error,omitempty"`
}

// Orchestrator owns the connections and the tool catalog
type Orchestrator struct {
	opts Options

	mu          sync.RWMutex
	initialized bool
	configs     map[string]types.ServerConfig
	conns       map[string]*mcpclient.Connection

	catalog   *catalog.Catalog
	breakers  *breakerSet
	discovery singleflight.Group

	invocations atomic.Int64
	failures    atomic.Int64
	lastRefresh atomic.Pointer[time.Time]
}

// New creates an orchestrator for servers. A nil map falls back to
// DefaultServers; an empty map means no servers.
func New(servers map[string]types.ServerConfig, opts Options) *Orchestrator {
	o := &Orchestrator{
		opts:     opts,
		conns:    make(map[string]*mcpclient.Connection),
		catalog:  catalog.New(opts.CatalogTTL, opts.Connection.Now),
		breakers: newBreakerSet(opts.BreakerTimeout),
	}
	o.configs = normalizeServers(servers)
	return o
}

func normalizeServers(servers map[string]types.ServerConfig) map[string]types.ServerConfig {
	if servers == nil {
		servers = DefaultServers()
	}
	out := make(map[string]types.ServerConfig, len(servers))
	for name, cfg := range servers {
		cfg.Name = name
		out[name] = cfg
	}
	return out
}

// Initialize checks the prerequisite probe and marks the orchestrator ready.
// Connections are not opened here; each server connects on first use.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.RLock()
	if o.initialized {
		o.mu.RUnlock()
		return nil
	}
	configs := o.configs
	o.mu.RUnlock()

	p := o.opts.Probe
	if p == nil && probe.NeedsProbe(configs, "docker") {
		p = probe.NewDockerProbe(probe.DefaultTimeout)
	}
	if p != nil && !p.Available(ctx) {
		log.Error().Str("probe", p.Name()).Msg("Prerequisite unavailable, refusing to initialize")
		return fmt.Errorf("%w: %s", ErrPrerequisiteUnavailable, p.Name())
	}

	for name, cfg := range configs {
		if _, err := mcpclient.ResolveTransport(cfg); err != nil && cfg.IsEnabled() {
			log.Warn().Err(err).Str("server", name).Msg("Invalid server configuration")
		}
	}

	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()

	log.Info().Int("servers", len(configs)).Msg("Orchestrator initialized")
	return nil
}

// IsInitialized reports whether Initialize succeeded and Dispose was not called
func (o *Orchestrator) IsInitialized() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.initialized
}

// connection returns the connection for a server, creating it on first use
func (o *Orchestrator) connection(name string) (*mcpclient.Connection, error) {
	o.mu.RLock()
	if !o.initialized {
		o.mu.RUnlock()
		return nil, ErrNotInitialized
	}
	conn, ok := o.conns[name]
	o.mu.RUnlock()
	if ok {
		return conn, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return nil, ErrNotInitialized
	}
	if conn, ok := o.conns[name]; ok {
		return conn, nil
	}
	cfg, ok := o.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	conn = mcpclient.NewConnection(cfg, o.connectionOptions())
	o.conns[name] = conn
	return conn, nil
}

// existing returns the connection for a server without creating it
func (o *Orchestrator) existing(name string) *mcpclient.Connection {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.conns[name]
}

func (o *Orchestrator) connectionOptions() mcpclient.ConnectionOptions {
	opts := o.opts.Connection
	if opts.ToolsTTL <= 0 {
		opts.ToolsTTL = o.catalog.TTL()
	}
	next := opts.Notifier
	if next == nil {
		next = mcpclient.LogNotifier{}
	}
	opts.Notifier = &unreachableNotifier{next: next, metrics: o.opts.Metrics}

	onReconnect := opts.OnReconnect
	opts.OnReconnect = func(server string, attempt int, delay time.Duration) {
		o.opts.Metrics.RecordReconnect(server)
		if onReconnect != nil {
			onReconnect(server, attempt, delay)
		}
	}

	onChanged := opts.OnToolsChanged
	opts.OnToolsChanged = func(server string) {
		if o.catalog.Invalidate(server) {
			log.Info().Str("server", server).Msg("Tool list changed, catalog entry invalidated")
		}
		if onChanged != nil {
			onChanged(server)
		}
	}
	return opts
}

// enabledServers returns enabled server names in stable order
func (o *Orchestrator) enabledServers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	names := make([]string, 0, len(o.configs))
	for name, cfg := range o.configs {
		if cfg.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// loadServer fetches one server's tools into the catalog through its breaker
func (o *Orchestrator) loadServer(ctx context.Context, name string) error {
	conn, err := o.connection(name)
	if err != nil {
		return err
	}

	_, err = o.breakers.get(name).Execute(func() (interface{}, error) {
		tools, err := conn.GetTools(ctx)
		if err != nil {
			return nil, err
		}
		o.catalog.Put(name, tools)
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		log.Debug().Str("server", name).Msg("Discovery skipped, circuit breaker open")
		return fmt.Errorf("discovery for %s skipped: %w", name, err)
	}

	o.opts.Metrics.RecordDiscovery(name, err)
	if err != nil {
		log.Warn().Err(err).Str("server", name).Msg("Tool discovery failed")
		return err
	}

	now := time.Now()
	o.lastRefresh.Store(&now)
	o.updateGauges()
	return nil
}

// discover loads every enabled server without a fresh catalog entry.
// Concurrent callers share one pass.
func (o *Orchestrator) discover(ctx context.Context) error {
	_, err, shared := o.discovery.Do("discover", func() (interface{}, error) {
		var pending []string
		for _, name := range o.enabledServers() {
			if !o.catalog.IsFresh(name) {
				pending = append(pending, name)
			}
		}
		if len(pending) == 0 {
			return nil, nil
		}

		log.Debug().Strs("servers", pending).Msg("Running discovery pass")
		return nil, o.forEach(pending, func(name string) error {
			return o.loadServer(ctx, name)
		})
	})
	if shared {
		log.Debug().Msg("Joined in-flight discovery pass")
	}
	return err
}

// forEach runs fn for every name in parallel and joins the failures
func (o *Orchestrator) forEach(names []string, fn func(name string) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := fn(name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// GetAllTools returns the aggregated catalog, discovering servers that have
// not loaded tools yet. Servers that fail discovery are left out.
func (o *Orchestrator) GetAllTools(ctx context.Context) ([]types.ToolInfo, error) {
	if !o.IsInitialized() {
		return nil, ErrNotInitialized
	}
	if err := o.discover(ctx); err != nil {
		log.Warn().Err(err).Msg("Some servers failed discovery")
	}
	return o.catalog.Export(), nil
}

// Lookup resolves a tool to its descriptor without triggering discovery
func (o *Orchestrator) Lookup(tool string) (types.ToolDescriptor, bool) {
	return o.catalog.Lookup(tool)
}

// CallTool routes a call to the server that owns the tool.
// Tool failures come back as results with IsError set; errors are reserved
// for routing failures and for failures to establish the connection.
func (o *Orchestrator) CallTool(ctx context.Context, name string, args map[string]interface{}) (*types.ToolResult, error) {
	if !o.IsInitialized() {
		return nil, ErrNotInitialized
	}

	o.invocations.Add(1)
	start := time.Now()
	invocationID := uuid.New().String()

	tool, ok := o.catalog.Lookup(name)
	if !ok {
		if err := o.discover(ctx); err != nil {
			log.Debug().Err(err).Str("tool", name).Msg("Discovery pass had failures")
		}
		tool, ok = o.catalog.Lookup(name)
	}
	if !ok {
		err := &ToolNotFoundError{Tool: name}
		o.fail(ctx, invocationID, name, "", start, metrics.StatusNotFound, err)
		return nil, err
	}

	conn := o.existing(tool.ServerName)
	if conn == nil || !conn.IsConnected() {
		err := &ServerNotConnectedError{Server: tool.ServerName, Tool: name, State: mcpclient.StateDisconnected}
		if conn != nil {
			err.State = conn.State()
		}
		o.fail(ctx, invocationID, name, tool.ServerName, start, metrics.StatusOffline, err)
		return nil, err
	}

	log.Debug().
		Str("tool", name).
		Str("server", tool.ServerName).
		Str("invocation_id", invocationID).
		Msg("Routing tool call")

	result, err := conn.CallTool(ctx, name, args)
	if err != nil {
		o.fail(ctx, invocationID, name, tool.ServerName, start, metrics.StatusError, err)
		return nil, err
	}

	result.Metadata.InvocationID = invocationID
	status := metrics.StatusSuccess
	if result.IsError {
		o.failures.Add(1)
		status = metrics.StatusError
	}
	o.opts.Metrics.RecordCall(tool.ServerName, name, status, result.Metadata.Duration)
	o.record(ctx, &journal.Record{
		ID:        invocationID,
		Tool:      name,
		Server:    tool.ServerName,
		StartedAt: start,
		Duration:  result.Metadata.Duration,
		IsError:   result.IsError,
		Error:     errorText(result),
		Attempts:  result.Metadata.Attempts,
	})

	return result, nil
}

func (o *Orchestrator) fail(ctx context.Context, id, tool, server string, start time.Time, status string, err error) {
	o.failures.Add(1)
	duration := time.Since(start)
	o.opts.Metrics.RecordCall(server, tool, status, duration)
	o.record(ctx, &journal.Record{
		ID:        id,
		Tool:      tool,
		Server:    server,
		StartedAt: start,
		Duration:  duration,
		IsError:   true,
		Error:     err.Error(),
	})
	log.Warn().Err(err).Str("tool", tool).Str("server", server).Msg("Tool call not routed")
}

func (o *Orchestrator) record(ctx context.Context, r *journal.Record) {
	if o.opts.Journal == nil {
		return
	}
	if err := o.opts.Journal.Record(ctx, r); err != nil {
		log.Warn().Err(err).Str("tool", r.Tool).Msg("Failed to journal tool call")
	}
}

func errorText(r *types.ToolResult) string {
	if !r.IsError {
		return ""
	}
	return r.Text()
}

// RefreshTools re-discovers tools. With a server name only that server's
// entry is invalidated and its connection re-established; other servers stay
// routable. With an empty name every enabled server is refreshed in parallel
// and individual failures are joined.
func (o *Orchestrator) RefreshTools(ctx context.Context, server string) error {
	if !o.IsInitialized() {
		return ErrNotInitialized
	}

	if server != "" {
		o.mu.RLock()
		cfg, ok := o.configs[server]
		o.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrServerNotFound, server)
		}
		if !cfg.IsEnabled() {
			return fmt.Errorf("%w: %s", ErrServerDisabled, server)
		}
		return o.refreshServer(ctx, server)
	}

	o.catalog.Clear()
	o.breakers.resetAll()
	err := o.forEach(o.enabledServers(), func(name string) error {
		return o.refreshServer(ctx, name)
	})
	o.updateGauges()
	if err != nil {
		return fmt.Errorf("refresh failed for some servers: %w", err)
	}
	return nil
}

func (o *Orchestrator) refreshServer(ctx context.Context, name string) error {
	log.Info().Str("server", name).Msg("Refreshing server tools")

	o.catalog.Invalidate(name)
	o.breakers.reset(name)

	conn, err := o.connection(name)
	if err != nil {
		return err
	}
	if err := conn.Disconnect(); err != nil {
		log.Warn().Err(err).Str("server", name).Msg("Error closing connection before refresh")
	}
	if err := conn.Connect(ctx); err != nil {
		o.updateGauges()
		return err
	}
	return o.loadServer(ctx, name)
}

// Stat returns a statistics snapshot
func (o *Orchestrator) Stat() Stats {
	o.mu.RLock()
	initialized := o.initialized
	connected := 0
	for _, conn := range o.conns {
		if conn.IsConnected() {
			connected++
		}
	}
	o.mu.RUnlock()

	return Stats{
		Initialized:      initialized,
		ConnectedServers: connected,
		TotalTools:       o.catalog.Len(),
		ToolsByServer:    o.catalog.Counts(),
		Invocations:      o.invocations.Load(),
		Failures:         o.failures.Load(),
		LastRefresh:      o.lastRefresh.Load(),
	}
}

// Servers lists every configured server with its live state
func (o *Orchestrator) Servers() []ServerStatus {
	counts := o.catalog.Counts()

	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]ServerStatus, 0, len(o.configs))
	for name, cfg := range o.configs {
		status := ServerStatus{
			Name:        name,
			Description: cfg.Description,
			Enabled:     cfg.IsEnabled(),
			State:       mcpclient.StateDisconnected.String(),
			Tools:       counts[name],
			Breaker:     o.breakers.state(name).String(),
		}
		if spec, err := mcpclient.ResolveTransport(cfg); err == nil {
			status.Kind = string(spec.Kind())
		} else {
			status.LastError = err.Error()
		}
		if conn, ok := o.conns[name]; ok {
			status.State = conn.State().String()
			status.Attempts = conn.Attempts()
			if err := conn.LastError(); err != nil {
				status.LastError = err.Error()
			}
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispose disconnects every server in parallel, clears all state and marks
// the orchestrator uninitialized. Disconnect errors are logged, not returned.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return
	}
	o.initialized = false
	conns := o.conns
	o.conns = make(map[string]*mcpclient.Connection)
	o.mu.Unlock()

	log.Info().Int("connections", len(conns)).Msg("Disposing orchestrator")

	var g errgroup.Group
	for name, conn := range conns {
		name, conn := name, conn
		g.Go(func() error {
			if err := conn.Disconnect(); err != nil {
				log.Warn().Err(err).Str("server", name).Msg("Error disconnecting server")
			}
			return nil
		})
	}
	_ = g.Wait()

	o.catalog.Clear()
	o.breakers.resetAll()
	o.invocations.Store(0)
	o.failures.Store(0)
	o.lastRefresh.Store(nil)
	o.updateGauges()
}

// Reload disposes the current state and re-initializes with servers
func (o *Orchestrator) Reload(ctx context.Context, servers map[string]types.ServerConfig) error {
	o.Dispose()

	o.mu.Lock()
	o.configs = normalizeServers(servers)
	o.mu.Unlock()

	log.Info().Int("servers", len(servers)).Msg("Reloading server configuration")
	return o.Initialize(ctx)
}

func (o *Orchestrator) updateGauges() {
	if o.opts.Metrics == nil {
		return
	}
	stats := o.Stat()
	o.opts.Metrics.SetConnectedServers(stats.ConnectedServers)
	o.opts.Metrics.SetCatalogTools(stats.TotalTools)
}

// unreachableNotifier counts exhausted reconnect budgets before forwarding
type unreachableNotifier struct {
	next    mcpclient.Notifier
	metrics *metrics.Collector
}

func (n *unreachableNotifier) ServerUnreachable(server string, attempts int) {
	n.metrics.RecordUnreachable(server)
	n.next.ServerUnreachable(server, attempts)
}
