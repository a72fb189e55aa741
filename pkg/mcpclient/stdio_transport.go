package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// DefaultTerminationGrace is how long a server may take to exit after SIGTERM
const DefaultTerminationGrace = 5 * time.Second

// maxStdioLine bounds a single frame; a longer line breaks the session
var maxStdioLine = 16 * 1024 * 1024

// StdioTransport implements Transport for subprocess MCP servers.
// It owns the process and speaks newline-delimited JSON-RPC over stdin/stdout.
type StdioTransport struct {
	server  string
	spec    SubprocessSpec
	grace   time.Duration
	onEvent EventHandler

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	pending *pendingCalls
	readErr error // set by readLoop before readDone closes

	connected atomic.Bool

	done       chan struct{}
	readDone   chan struct{}
	stderrDone chan struct{}
	exited     chan struct{}
	writeMu    sync.Mutex // Serialize writes to stdin
	closeOnce  sync.Once
}

// NewStdioTransport spawns the server process and starts reading its output
func NewStdioTransport(server string, spec SubprocessSpec, grace time.Duration, onEvent EventHandler) (*StdioTransport, error) {
	if spec.Command == "" {
		return nil, &ConfigError{Server: server, Reason: "command is required for stdio transport"}
	}
	if grace <= 0 {
		grace = DefaultTerminationGrace
	}

	t := &StdioTransport{
		server:     server,
		spec:       spec,
		grace:      grace,
		onEvent:    onEvent,
		pending:    newPendingCalls(),
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}

	if err := t.start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return t, nil
}

// start spawns the MCP server process
func (t *StdioTransport) start() error {
	log.Info().
		Str("server", t.server).
		Str("command", t.spec.Command).
		Strs("args", t.spec.Args).
		Msg("Starting stdio MCP server process")

	t.cmd = exec.Command(t.spec.Command, t.spec.Args...)
	if t.spec.WorkDir != "" {
		t.cmd.Dir = t.spec.WorkDir
	}
	t.cmd.Env = mergeEnv(os.Environ(), t.spec.Env)
	t.cmd.WaitDelay = t.grace

	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	t.stdout = stdout

	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	t.stderr = stderr

	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	t.connected.Store(true)

	go t.readLoop()
	go t.logStderr()
	go t.monitorProcess()

	log.Info().
		Str("server", t.server).
		Int("pid", t.cmd.Process.Pid).
		Msg("Stdio MCP server process started")

	return nil
}

// mergeEnv overlays overrides on the inherited environment.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// readLoop reads frames from stdout and dispatches them
func (t *StdioTransport) readLoop() {
	defer close(t.readDone)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxStdioLine)), maxStdioLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		dispatchMessage(t.server, frame, t.pending, t.onEvent, t.reply)
	}

	err := scanner.Err()
	if err == nil || !t.connected.Load() {
		return
	}

	// The stream cannot be resynchronised: fail callers now and stop the
	// process so monitorProcess reports the loss.
	log.Error().Err(err).Str("server", t.server).Msg("Error reading from stdio")
	t.readErr = err
	t.connected.Store(false)
	t.pending.failAll(closedError("read", err))
	if err := t.cmd.Process.Kill(); err != nil {
		log.Debug().Err(err).Str("server", t.server).Msg("Failed to kill process")
	}
}

// logStderr logs stderr output from the process
func (t *StdioTransport) logStderr() {
	defer close(t.stderrDone)

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		log.Debug().
			Str("source", "mcp-stderr").
			Str("server", t.server).
			Str("line", scanner.Text()).
			Msg("MCP server stderr")
	}
}

// monitorProcess reaps the process and reports unexpected exits
func (t *StdioTransport) monitorProcess() {
	<-t.readDone
	err := t.cmd.Wait()
	close(t.exited)

	select {
	case <-t.done:
		// Intentional shutdown
		return
	default:
	}

	t.connected.Store(false)
	if t.readErr != nil {
		err = fmt.Errorf("unreadable server output: %w", t.readErr)
	}
	t.pending.failAll(closedError("read", fmt.Errorf("process exited: %v", err)))

	ev := Event{Type: EventClosed}
	if err != nil {
		ev = Event{Type: EventError, Err: closedError("process", err)}
		log.Error().
			Err(err).
			Str("server", t.server).
			Msg("MCP server process exited with error")
	} else {
		log.Warn().
			Str("server", t.server).
			Msg("MCP server process exited")
	}

	if t.onEvent != nil {
		t.onEvent(ev)
	}
}

// Send sends a request and waits for its response
func (t *StdioTransport) Send(ctx context.Context, req *types.MCPRequest) (*types.MCPResponse, error) {
	if !t.connected.Load() {
		return nil, closedError("send", ErrNotConnected)
	}

	ch := t.pending.add(req.ID)

	data, err := json.Marshal(req)
	if err != nil {
		t.pending.remove(req.ID)
		return nil, failedError("send", fmt.Errorf("failed to marshal request: %w", err))
	}

	if err := t.write(data); err != nil {
		t.pending.remove(req.ID)
		return nil, closedError("send", fmt.Errorf("failed to write to stdin: %w", err))
	}

	return t.pending.await(ctx, req.ID, ch, t.done)
}

// Notify sends a notification to the server
func (t *StdioTransport) Notify(ctx context.Context, method string, params map[string]interface{}) error {
	if !t.connected.Load() {
		return closedError("notify", ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return contextError("notify", err)
	}

	data, err := json.Marshal(&types.MCPRequest{JSONRPC: types.JSONRPCVersion, Method: method, Params: params})
	if err != nil {
		return failedError("notify", err)
	}
	if err := t.write(data); err != nil {
		return closedError("notify", err)
	}
	return nil
}

func (t *StdioTransport) reply(resp *types.MCPResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return t.write(data)
}

func (t *StdioTransport) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.stdin.Write(append(data, '\n'))
	return err
}

// Close closes stdin, asks the process to terminate and kills it once the
// grace period expires. It returns after the output readers have stopped.
// Safe to call more than once.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		log.Info().Str("server", t.server).Msg("Closing stdio transport")

		t.connected.Store(false)
		close(t.done)

		t.pending.failAll(closedError("close", nil))

		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		t.terminate()

		select {
		case <-t.stderrDone:
		case <-time.After(t.grace):
			log.Warn().Str("server", t.server).Msg("MCP server stderr still open")
		}
	})

	return nil
}

func (t *StdioTransport) terminate() {
	select {
	case <-t.exited:
		return
	default:
	}

	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug().Err(err).Str("server", t.server).Msg("Failed to signal process")
	}

	select {
	case <-t.exited:
		return
	case <-time.After(t.grace):
	}

	log.Warn().
		Str("server", t.server).
		Dur("grace", t.grace).
		Msg("MCP server did not exit in time, killing")
	if err := t.cmd.Process.Kill(); err != nil {
		log.Warn().Err(err).Str("server", t.server).Msg("Failed to kill process")
	}
	_ = t.stdout.Close()

	select {
	case <-t.exited:
	case <-time.After(t.grace):
		log.Warn().Str("server", t.server).Msg("MCP server process not reaped")
	}
}

// IsConnected returns true if the transport is connected
func (t *StdioTransport) IsConnected() bool {
	return t.connected.Load()
}

// Type returns the transport type
func (t *StdioTransport) Type() TransportType {
	return TransportStdio
}

// PID returns the process ID if running
func (t *StdioTransport) PID() int {
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Pid
	}
	return 0
}
