package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

func TestResolveTransport(t *testing.T) {
	tests := []struct {
		name    string
		cfg     types.ServerConfig
		want    TransportSpec
		wantErr string
	}{
		{
			name: "command",
			cfg:  types.ServerConfig{Name: "fs", Command: "npx", Args: []string{"-y", "server"}, Env: map[string]string{"A": "1"}},
			want: SubprocessSpec{Command: "npx", Args: []string{"-y", "server"}, Env: map[string]string{"A": "1"}},
		},
		{
			name: "explicit stdio",
			cfg:  types.ServerConfig{Name: "fs", Transport: "stdio", Command: "server"},
			want: SubprocessSpec{Command: "server"},
		},
		{
			name: "sse",
			cfg:  types.ServerConfig{Name: "remote", Transport: "SSE", URL: "http://localhost:8080/sse"},
			want: StreamSpec{URL: "http://localhost:8080/sse"},
		},
		{
			name: "url without transport",
			cfg:  types.ServerConfig{Name: "remote", URL: "https://example.com/sse", Headers: map[string]string{"Authorization": "Bearer x"}},
			want: StreamSpec{URL: "https://example.com/sse", Headers: map[string]string{"Authorization": "Bearer x"}},
		},
		{
			name:    "nothing configured",
			cfg:     types.ServerConfig{Name: "empty"},
			wantErr: "neither command nor stream url",
		},
		{
			name:    "stream without url",
			cfg:     types.ServerConfig{Name: "remote", Transport: "sse", Command: "ignored"},
			wantErr: "requires url",
		},
		{
			name:    "bad scheme",
			cfg:     types.ServerConfig{Name: "remote", Transport: "sse", URL: "ftp://example.com"},
			wantErr: "unsupported url scheme",
		},
		{
			name:    "unknown transport",
			cfg:     types.ServerConfig{Name: "x", Transport: "websocket", URL: "ws://example.com"},
			wantErr: "unknown transport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ResolveTransport(tt.cfg)
			if tt.wantErr != "" {
				var cfgErr *ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, spec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec)
		})
	}
}

func TestNewTransport_UnsupportedSpec(t *testing.T) {
	_, err := NewTransport(context.Background(), &TransportConfig{Server: "x"}, nil)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, int64(7), normalizeID(float64(7)))
	assert.Equal(t, int64(7), normalizeID(7))
	assert.Equal(t, int64(7), normalizeID(int64(7)))
	assert.Equal(t, int64(7), normalizeID(json.Number("7")))
	assert.Equal(t, "abc", normalizeID("abc"))
}

func TestTransportError_Classification(t *testing.T) {
	closed := wrapDiscovery(closedError("send", nil))
	assert.True(t, IsTransportClosed(closed))
	assert.ErrorIs(t, closed, ErrTransportClosed)

	timeout := contextError("send", context.DeadlineExceeded)
	assert.True(t, IsTimeout(timeout))
	assert.False(t, IsTransportClosed(timeout))

	failed := failedError("post", errors.New("500"))
	assert.False(t, IsTransportClosed(failed))
	assert.Contains(t, failed.Error(), "failed")

	assert.False(t, IsTransportClosed(errors.New("connection closed")))
}

func wrapDiscovery(err error) error {
	return &DiscoveryError{Server: "s", Err: err}
}

func TestPendingCalls(t *testing.T) {
	p := newPendingCalls()
	ch := p.add(int64(1))

	ok := p.resolve(&types.MCPResponse{ID: float64(1), Result: json.RawMessage(`{}`)})
	assert.True(t, ok)
	resp, err := p.await(context.Background(), int64(1), ch, nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{}`), resp.Result)

	assert.False(t, p.resolve(&types.MCPResponse{ID: float64(2)}))

	ch = p.add(int64(3))
	p.failAll(closedError("close", nil))
	_, err = p.await(context.Background(), int64(3), ch, nil)
	assert.True(t, IsTransportClosed(err))

	ch = p.add(int64(4))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.await(ctx, int64(4), ch, nil)
	assert.True(t, IsTimeout(err))
}

func TestDispatchMessage(t *testing.T) {
	p := newPendingCalls()
	ch := p.add(int64(1))

	var events []Event
	var replies []*types.MCPResponse
	onEvent := func(ev Event) { events = append(events, ev) }
	reply := func(resp *types.MCPResponse) error {
		replies = append(replies, resp)
		return nil
	}

	dispatchMessage("s", []byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`), p, onEvent, reply)
	res := <-ch
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"ok":true}`, string(res.resp.Result))

	dispatchMessage("s", []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`), p, onEvent, reply)
	require.Len(t, events, 1)
	assert.Equal(t, EventNotification, events[0].Type)
	assert.Equal(t, types.MethodToolsListChanged, events[0].Method)

	dispatchMessage("s", []byte(`{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`), p, onEvent, reply)
	dispatchMessage("s", []byte(`{"jsonrpc":"2.0","id":"srv-2","method":"roots/list"}`), p, onEvent, reply)
	require.Len(t, replies, 2)
	assert.Equal(t, "srv-1", replies[0].ID)
	assert.Nil(t, replies[0].Error)
	require.NotNil(t, replies[1].Error)
	assert.Equal(t, types.MCPErrorMethodNotFound, replies[1].Error.Code)

	dispatchMessage("s", []byte(`not json`), p, onEvent, reply)
	assert.Len(t, events, 1)
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"PATH=/bin", "HOME=/root", "EMPTY"}, map[string]string{"HOME": "/tmp", "TOKEN": "x"})
	assert.Contains(t, env, "PATH=/bin")
	assert.Contains(t, env, "HOME=/tmp")
	assert.Contains(t, env, "TOKEN=x")
	assert.Contains(t, env, "EMPTY")
	assert.NotContains(t, env, "HOME=/root")

	base := []string{"A=1"}
	assert.Equal(t, base, mergeEnv(base, nil))
}

func TestConvertContent_EmbeddedBlob(t *testing.T) {
	part := convertContent(types.MCPContent{
		Type:     types.ContentResource,
		Resource: json.RawMessage(`{"uri":"file:///r.pdf","mimeType":"application/pdf","blob":"JVBERg=="}`),
	})
	assert.Equal(t, types.ContentPart{
		Type:     types.ContentResource,
		Data:     "JVBERg==",
		MimeType: "application/pdf",
		URI:      "file:///r.pdf",
	}, part)
}
