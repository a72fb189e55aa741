package probe

// Package probe checks external prerequisites (the container runtime that
// most subprocess servers are launched through) before servers are connected.

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// DefaultTimeout bounds a single probe run
const DefaultTimeout = 5 * time.Second

// Prober reports whether a prerequisite is available. Failures and timeouts
// mean "unavailable", never an error.
type Prober interface {
	Name() string
	Available(ctx context.Context) bool
}

// CommandProbe runs a command and treats a zero exit status as available
type CommandProbe struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// NewDockerProbe returns a probe running `docker info`
func NewDockerProbe(timeout time.Duration) *CommandProbe {
	return &CommandProbe{
		Command: "docker",
		Args:    []string{"info", "--format", "{{.ServerVersion}}"},
		Timeout: timeout,
	}
}

// FromConfig builds a probe from configuration, falling back to docker
func FromConfig(cfg types.ProbeConfig) *CommandProbe {
	if strings.TrimSpace(cfg.Command) == "" {
		return NewDockerProbe(cfg.Timeout)
	}
	return &CommandProbe{Command: cfg.Command, Args: cfg.Args, Timeout: cfg.Timeout}
}

// Name implements Prober
func (p *CommandProbe) Name() string {
	return filepath.Base(p.Command)
}

// Available runs the probe command, killing it once the timeout expires
func (p *CommandProbe) Available(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warn().
			Str("probe", p.Name()).
			Dur("timeout", timeout).
			Msg("Prerequisite probe timed out")
		return false
	}

	if err != nil {
		log.Warn().
			Err(err).
			Str("probe", p.Name()).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("Prerequisite unavailable")
		return false
	}

	log.Debug().Str("probe", p.Name()).Msg("Prerequisite available")
	return true
}

// NeedsProbe reports whether any enabled server is launched through command
func NeedsProbe(servers map[string]types.ServerConfig, command string) bool {
	want := filepath.Base(command)
	for _, s := range servers {
		if s.IsEnabled() && s.Command != "" && filepath.Base(s.Command) == want {
			return true
		}
	}
	return false
}
