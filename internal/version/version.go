package version

import "runtime"

// Build-time variables (set via ldflags)
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// UserAgent identifies the client to remote MCP servers
func UserAgent() string {
	return "raccordo/" + Version
}

// Info returns version information
func Info() map[string]interface{} {
	return map[string]interface{}{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"go_version": runtime.Version(),
	}
}
