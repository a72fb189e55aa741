package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/internal/config"
	"github.com/Denis-Chistyakov/Raccordo/internal/journal"
	"github.com/Denis-Chistyakov/Raccordo/internal/metrics"
	"github.com/Denis-Chistyakov/Raccordo/internal/orchestrator"
	"github.com/Denis-Chistyakov/Raccordo/internal/probe"
	"github.com/Denis-Chistyakov/Raccordo/pkg/mcpclient"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// app holds the components shared by every command
type app struct {
	loader  *config.Loader
	cfg     *types.Config
	orch    *orchestrator.Orchestrator
	metrics *metrics.Collector
	journal *journal.Journal
}

// setupLogging configures the global logger. Protocol modes that own stdout
// log JSON to stderr; everything else uses the console writer.
func setupLogging(cfg types.LoggingConfig, jsonOutput bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if jsonOutput || cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	levelName := cfg.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// connectionOptions maps configuration onto connection settings
func connectionOptions(cfg *types.Config) mcpclient.ConnectionOptions {
	opts := mcpclient.DefaultConnectionOptions()
	opts.ToolsTTL = cfg.Catalog.TTL
	opts.MaxReconnectAttempts = cfg.Connection.MaxReconnectAttempts
	opts.ReconnectBaseDelay = cfg.Connection.ReconnectBaseDelay
	opts.ReconnectMaxDelay = cfg.Connection.ReconnectMaxDelay
	opts.TerminationGrace = cfg.Connection.TerminationGrace
	opts.HandshakeTimeout = cfg.Connection.HandshakeTimeout
	return opts
}

// prober picks the prerequisite probe: the configured command, or docker
// when an enabled server launches it.
func prober(cfg *types.Config) probe.Prober {
	if cfg.Probe.Command != "" {
		return probe.FromConfig(cfg.Probe)
	}
	servers := cfg.Servers
	if servers == nil {
		servers = orchestrator.DefaultServers()
	}
	if probe.NeedsProbe(servers, "docker") {
		return probe.NewDockerProbe(cfg.Probe.Timeout)
	}
	return nil
}

// bootstrap loads configuration and builds an initialized orchestrator
func bootstrap(ctx context.Context, jsonLogs bool) (*app, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging, jsonLogs)

	a := &app{loader: loader, cfg: cfg}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector()
	}

	opts := orchestrator.Options{
		Connection: connectionOptions(cfg),
		CatalogTTL: cfg.Catalog.TTL,
		Probe:      prober(cfg),
		Metrics:    a.metrics,
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(journal.Options{
			Path:       cfg.Journal.Path,
			InMemory:   cfg.Journal.InMemory,
			Retention:  cfg.Journal.Retention,
			GCInterval: 10 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		a.journal = j
		opts.Journal = j
	}

	a.orch = orchestrator.New(cfg.Servers, opts)
	if err := a.orch.Initialize(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// close releases every component
func (a *app) close() {
	if a.orch != nil {
		a.orch.Dispose()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Error().Err(err).Msg("Journal shutdown error")
		}
	}
}
