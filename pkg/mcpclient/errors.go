package mcpclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// TransportErrorKind classifies transport failures.
type TransportErrorKind int

const (
	// TransportFailed is any failure that leaves the session usable.
	TransportFailed TransportErrorKind = iota
	// TransportClosed means the channel to the server is gone.
	TransportClosed
	// TransportTimeout means the request deadline expired.
	TransportTimeout
)

func (k TransportErrorKind) String() string {
	switch k {
	case TransportClosed:
		return "closed"
	case TransportTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

var (
	// ErrConnectionInProgress is returned by Connect while a handshake is running.
	ErrConnectionInProgress = errors.New("connection already in progress")
	// ErrNotConnected is returned when a transport is used before it is ready.
	ErrNotConnected = errors.New("not connected")
	// ErrTransportClosed is the cause carried by closed-kind transport errors.
	ErrTransportClosed = errors.New("transport closed")
)

// TransportError is a failure reported by a Transport.
type TransportError struct {
	Kind TransportErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func closedError(op string, err error) *TransportError {
	if err == nil {
		err = ErrTransportClosed
	}
	return &TransportError{Kind: TransportClosed, Op: op, Err: err}
}

func failedError(op string, err error) *TransportError {
	return &TransportError{Kind: TransportFailed, Op: op, Err: err}
}

// contextError maps a context failure to a transport error.
func contextError(op string, err error) *TransportError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Kind: TransportTimeout, Op: op, Err: err}
	}
	return failedError(op, err)
}

// IsTransportClosed reports whether err carries a closed-kind transport error.
func IsTransportClosed(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == TransportClosed
}

// IsTimeout reports whether err carries a timeout-kind transport error.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == TransportTimeout
}

// ConfigError is a malformed server configuration. It is never retried.
type ConfigError struct {
	Server string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config for server %q: %s", e.Server, e.Reason)
}

// ConnectionError wraps a failed connect or handshake.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to server %q: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DiscoveryError wraps a failed tools/list exchange.
type DiscoveryError struct {
	Server string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to list tools on server %q: %v", e.Server, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

func newRPCError(method string, e *types.MCPError) *RPCError {
	return &RPCError{Method: method, Code: e.Code, Message: e.Message}
}
