package mcpclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Denis-Chistyakov/Raccordo/internal/testutil/stubserver"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

func TestMain(m *testing.M) {
	if stubserver.ServeIfRequested() {
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func stubSpec(t *testing.T, name string, tools ...string) SubprocessSpec {
	t.Helper()
	spec, err := ResolveTransport(stubserver.Config(name, tools...))
	require.NoError(t, err)
	return spec.(SubprocessSpec)
}

func TestNewStdioTransport_MissingCommand(t *testing.T) {
	transport, err := NewStdioTransport("x", SubprocessSpec{}, 0, nil)
	assert.Error(t, err)
	assert.Nil(t, transport)
	assert.Contains(t, err.Error(), "command is required")
}

func TestNewStdioTransport_BadCommand(t *testing.T) {
	transport, err := NewStdioTransport("x", SubprocessSpec{Command: "/nonexistent/raccordo-server"}, 0, nil)
	assert.Error(t, err)
	assert.Nil(t, transport)
}

func TestStdioTransport_Session(t *testing.T) {
	transport, err := NewStdioTransport("alpha", stubSpec(t, "alpha", "ping", stubserver.ToolEcho, stubserver.ToolFail), time.Second, nil)
	require.NoError(t, err)
	defer transport.Close()

	assert.Equal(t, TransportStdio, transport.Type())
	assert.True(t, transport.IsConnected())
	assert.NotZero(t, transport.PID())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := NewClient("alpha", transport)
	info, err := client.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alpha", info.ServerInfo.Name)

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 3)
	for _, tool := range tools {
		assert.Equal(t, "alpha", tool.ServerName)
		assert.Equal(t, "object", tool.InputSchema["type"])
	}

	result, err := client.CallTool(ctx, "ping", nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "ping from alpha", result.Text())

	result, err = client.CallTool(ctx, stubserver.ToolEcho, map[string]interface{}{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text())

	result, err = client.CallTool(ctx, stubserver.ToolFail, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStdioTransport_ProcessExitEmitsEvent(t *testing.T) {
	events := make(chan Event, 4)
	transport, err := NewStdioTransport("alpha", stubSpec(t, "alpha", stubserver.ToolCrash), time.Second, func(ev Event) {
		if ev.Type != EventNotification {
			events <- ev
		}
	})
	require.NoError(t, err)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := NewClient("alpha", transport)
	_, err = client.Initialize(ctx)
	require.NoError(t, err)

	_, err = client.CallTool(ctx, stubserver.ToolCrash, nil)
	require.Error(t, err)
	assert.True(t, IsTransportClosed(err))

	select {
	case ev := <-events:
		assert.Equal(t, EventError, ev.Type)
		assert.True(t, IsTransportClosed(ev.Err))
	case <-ctx.Done():
		t.Fatal("no exit event")
	}
	assert.False(t, transport.IsConnected())

	_, err = transport.Send(ctx, &types.MCPRequest{JSONRPC: types.JSONRPCVersion, ID: int64(99), Method: types.MethodPing})
	assert.True(t, IsTransportClosed(err))
}

func TestStdioTransport_OversizedFrameFailsSession(t *testing.T) {
	limit := maxStdioLine
	maxStdioLine = 1024
	t.Cleanup(func() { maxStdioLine = limit })

	events := make(chan Event, 4)
	spec := SubprocessSpec{
		Command: "sh",
		Args:    []string{"-c", "sleep 0.2; head -c 4096 /dev/zero | tr '\\000' x; echo; exec sleep 30"},
	}
	transport, err := NewStdioTransport("big", spec, time.Second, func(ev Event) { events <- ev })
	require.NoError(t, err)
	defer transport.Close()

	// no deadline: the pending request must be failed, not left hanging
	_, err = transport.Send(context.Background(), &types.MCPRequest{JSONRPC: types.JSONRPCVersion, ID: int64(1), Method: types.MethodPing})
	require.Error(t, err)
	assert.True(t, IsTransportClosed(err))

	select {
	case ev := <-events:
		assert.Equal(t, EventError, ev.Type)
		assert.True(t, IsTransportClosed(ev.Err))
		assert.Contains(t, ev.Err.Error(), "unreadable server output")
	case <-time.After(10 * time.Second):
		t.Fatal("no event after oversized frame")
	}
	assert.False(t, transport.IsConnected())
}

func TestStdioTransport_CloseIsQuiet(t *testing.T) {
	events := make(chan Event, 4)
	transport, err := NewStdioTransport("alpha", stubSpec(t, "alpha", "ping"), time.Second, func(ev Event) { events <- ev })
	require.NoError(t, err)

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	assert.False(t, transport.IsConnected())

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after Close: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStdioTransport_CloseJoinsReaders(t *testing.T) {
	transport, err := NewStdioTransport("alpha", stubSpec(t, "alpha", "ping"), time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, transport.Close())

	for name, ch := range map[string]chan struct{}{
		"stdout": transport.readDone,
		"stderr": transport.stderrDone,
		"exit":   transport.exited,
	} {
		select {
		case <-ch:
		default:
			t.Errorf("%s goroutine still running after Close", name)
		}
	}
}

func TestConnection_StdioEndToEnd(t *testing.T) {
	conn := NewConnection(stubserver.Config("alpha", "ping", stubserver.ToolCrash), ConnectionOptions{
		TerminationGrace: time.Second,
	})
	defer conn.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	tools, err := conn.GetTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	result, err := conn.CallTool(ctx, "ping", nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "alpha", result.Metadata.ServerName)

	// The process dies on every crash call: retried once, then reported as data
	result, err = conn.CallTool(ctx, stubserver.ToolCrash, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, 2, result.Metadata.Attempts)
}
