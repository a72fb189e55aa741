package orchestrator

import (
	"errors"
	"fmt"

	"github.com/Denis-Chistyakov/Raccordo/pkg/mcpclient"
)

var (
	// ErrNotInitialized is returned by every operation before Initialize or after Dispose
	ErrNotInitialized = errors.New("service not initialized")
	// ErrToolNotFound matches ToolNotFoundError
	ErrToolNotFound = errors.New("tool not found")
	// ErrServerNotConnected matches ServerNotConnectedError
	ErrServerNotConnected = errors.New("server not connected")
	// ErrServerNotFound is returned for names missing from configuration
	ErrServerNotFound = errors.New("server not configured")
	// ErrServerDisabled is returned when refreshing a disabled server
	ErrServerDisabled = errors.New("server disabled")
	// ErrPrerequisiteUnavailable is returned by Initialize when the probe fails
	ErrPrerequisiteUnavailable = errors.New("prerequisite unavailable")
)

// ToolNotFoundError is returned when no server advertises the tool, even
// after a discovery pass.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Tool)
}

// Is matches ErrToolNotFound
func (e *ToolNotFoundError) Is(target error) bool {
	return target == ErrToolNotFound
}

// ServerNotConnectedError is returned when the owning server of a tool is
// offline. The orchestrator does not reconnect on the caller's behalf.
type ServerNotConnectedError struct {
	Server string
	Tool   string
	State  mcpclient.ConnectionState
}

func (e *ServerNotConnectedError) Error() string {
	return fmt.Sprintf("server %q for tool %q is not connected (state: %s)", e.Server, e.Tool, e.State)
}

// Is matches ErrServerNotConnected
func (e *ServerNotConnectedError) Is(target error) bool {
	return target == ErrServerNotConnected
}
