package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/internal/version"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// StreamTransport implements Transport for remote servers using the
// HTTP+SSE binding: a long-lived GET stream carries server messages, and
// client messages are POSTed to the endpoint announced on that stream.
type StreamTransport struct {
	server  string
	spec    StreamSpec
	onEvent EventHandler

	httpClient *http.Client
	endpoint   string

	pending   *pendingCalls
	connected atomic.Bool

	streamCancel context.CancelFunc
	done         chan struct{}
	closeOnce    sync.Once
}

type openResult struct {
	resp *http.Response
	err  error
}

// closeLateResponse releases a stream that connected after the handshake gave up.
func closeLateResponse(ch <-chan openResult) {
	if o := <-ch; o.resp != nil {
		_ = o.resp.Body.Close()
	}
}

// NewStreamTransport opens the event stream and waits for the endpoint event.
// ctx bounds the handshake only; the stream lives until Close.
func NewStreamTransport(ctx context.Context, server string, spec StreamSpec, onEvent EventHandler) (*StreamTransport, error) {
	if spec.URL == "" {
		return nil, &ConfigError{Server: server, Reason: "url is required for stream transport"}
	}

	t := &StreamTransport{
		server:     server,
		spec:       spec,
		onEvent:    onEvent,
		httpClient: &http.Client{},
		pending:    newPendingCalls(),
		done:       make(chan struct{}),
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	t.streamCancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, spec.URL, nil)
	if err != nil {
		cancel()
		return nil, failedError("open", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", version.UserAgent())
	applyHeaders(req.Header, spec.Headers)

	openCh := make(chan openResult, 1)
	go func() {
		resp, err := t.httpClient.Do(req)
		openCh <- openResult{resp, err}
	}()

	var resp *http.Response
	select {
	case o := <-openCh:
		if o.err != nil {
			cancel()
			return nil, closedError("open", o.err)
		}
		resp = o.resp
	case <-ctx.Done():
		cancel()
		go closeLateResponse(openCh)
		return nil, contextError("open", ctx.Err())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, failedError("open", fmt.Errorf("event stream request failed with status %s", resp.Status))
	}
	if !strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, failedError("open", fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")))
	}

	endpointCh := make(chan string, 1)
	go t.readStream(resp.Body, endpointCh)

	select {
	case endpoint, ok := <-endpointCh:
		if !ok {
			cancel()
			return nil, closedError("open", errors.New("stream ended before endpoint event"))
		}
		resolved, err := resolveEndpoint(spec.URL, endpoint)
		if err != nil {
			t.Close()
			return nil, failedError("open", err)
		}
		t.endpoint = resolved
	case <-ctx.Done():
		t.Close()
		return nil, contextError("open", ctx.Err())
	}

	log.Info().
		Str("server", t.server).
		Str("url", spec.URL).
		Str("endpoint", t.endpoint).
		Msg("SSE MCP stream opened")

	return t, nil
}

func resolveEndpoint(base, endpoint string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	resolved, err := b.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return resolved.String(), nil
}

// readStream parses SSE events until the stream ends.
func (t *StreamTransport) readStream(body io.ReadCloser, endpointCh chan<- string) {
	defer body.Close()

	reader := bufio.NewReader(body)
	eventName := ""
	dataLines := make([]string, 0)
	endpointSent := false

	var readErr error
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			readErr = err
			break
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(dataLines) == 0 {
				eventName = ""
				continue
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = dataLines[:0]

			switch strings.ToLower(strings.TrimSpace(eventName)) {
			case "endpoint":
				if !endpointSent {
					endpointSent = true
					t.connected.Store(true)
					endpointCh <- strings.TrimSpace(payload)
				}
			case "", "message":
				dispatchMessage(t.server, []byte(payload), t.pending, t.onEvent, t.reply)
			}
			eventName = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if !endpointSent {
		close(endpointCh)
	}

	select {
	case <-t.done:
		return
	default:
	}
	if !t.connected.Swap(false) {
		return
	}

	t.pending.failAll(closedError("read", readErr))

	ev := Event{Type: EventClosed}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		ev = Event{Type: EventError, Err: closedError("read", readErr)}
		log.Error().Err(readErr).Str("server", t.server).Msg("SSE MCP stream failed")
	} else {
		log.Warn().Str("server", t.server).Msg("SSE MCP stream closed by server")
	}
	if t.onEvent != nil {
		t.onEvent(ev)
	}
}

// Send posts a request and waits for the response on the event stream
func (t *StreamTransport) Send(ctx context.Context, req *types.MCPRequest) (*types.MCPResponse, error) {
	if !t.connected.Load() {
		return nil, closedError("send", ErrNotConnected)
	}

	ch := t.pending.add(req.ID)

	data, err := json.Marshal(req)
	if err != nil {
		t.pending.remove(req.ID)
		return nil, failedError("send", fmt.Errorf("failed to marshal request: %w", err))
	}

	if err := t.post(ctx, data); err != nil {
		t.pending.remove(req.ID)
		return nil, err
	}

	return t.pending.await(ctx, req.ID, ch, t.done)
}

// Notify posts a notification
func (t *StreamTransport) Notify(ctx context.Context, method string, params map[string]interface{}) error {
	if !t.connected.Load() {
		return closedError("notify", ErrNotConnected)
	}
	data, err := json.Marshal(&types.MCPRequest{JSONRPC: types.JSONRPCVersion, Method: method, Params: params})
	if err != nil {
		return failedError("notify", err)
	}
	return t.post(ctx, data)
}

func (t *StreamTransport) reply(resp *types.MCPResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return t.post(context.Background(), data)
}

// post sends one message to the endpoint. Servers may answer inline with a
// JSON body instead of on the stream; such responses are dispatched too.
func (t *StreamTransport) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return failedError("post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("User-Agent", version.UserAgent())
	applyHeaders(req.Header, t.spec.Headers)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contextError("post", ctx.Err())
		}
		return closedError("post", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, int64(maxStdioLine)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(payload))
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return closedError("post", fmt.Errorf("session endpoint rejected: %s", msg))
		}
		return failedError("post", fmt.Errorf("mcp http request failed: %s", truncate(msg, 512)))
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' &&
		strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "application/json") {
		dispatchMessage(t.server, trimmed, t.pending, t.onEvent, t.reply)
	}
	return nil
}

// Close cancels the event stream and fails pending requests
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		log.Info().Str("server", t.server).Msg("Closing SSE transport")
		t.connected.Store(false)
		close(t.done)
		t.streamCancel()
		t.pending.failAll(closedError("close", nil))
	})
	return nil
}

// IsConnected returns true while the event stream is open
func (t *StreamTransport) IsConnected() bool {
	return t.connected.Load()
}

// Type returns the transport type
func (t *StreamTransport) Type() TransportType {
	return TransportSSE
}

// Endpoint returns the message endpoint announced by the server
func (t *StreamTransport) Endpoint() string {
	return t.endpoint
}

func applyHeaders(dst http.Header, src map[string]string) {
	for key, value := range src {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		dst.Set(trimmed, value)
	}
}
