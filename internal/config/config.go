package config

// Package config loads Raccordo configuration with viper.
// Values come from raccordo.yaml, overridden by RACCORDO_* environment
// variables, on top of built-in defaults.

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// EnvPrefix is the prefix of environment overrides (RACCORDO_GATEWAY_PORT)
const EnvPrefix = "RACCORDO"

// Loader reads configuration from one viper instance
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader. An empty path searches ./configs, . and
// /etc/raccordo for raccordo.yaml.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("raccordo")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/raccordo")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return &Loader{v: v, path: path}
}

// Load reads configuration using NewLoader(path)
func Load(path string) (*types.Config, error) {
	return NewLoader(path).Load()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)

	v.SetDefault("catalog.ttl", 5*time.Minute)

	v.SetDefault("connection.max_reconnect_attempts", 3)
	v.SetDefault("connection.reconnect_base_delay", time.Second)
	v.SetDefault("connection.reconnect_max_delay", 30*time.Second)
	v.SetDefault("connection.termination_grace", 5*time.Second)
	v.SetDefault("connection.handshake_timeout", 30*time.Second)

	v.SetDefault("probe.timeout", 5*time.Second)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", "./data/journal")
	v.SetDefault("journal.in_memory", false)
	v.SetDefault("journal.retention", 7*24*time.Hour)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads the file and returns the merged configuration. A missing file
// is only an error when a path was given explicitly; otherwise defaults are
// used and no servers are configured, which selects the built-in server.
func (l *Loader) Load() (*types.Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Info().Msg("No configuration file found, using defaults")
	} else {
		log.Info().Str("config", l.v.ConfigFileUsed()).Msg("Configuration loaded")
	}

	var cfg types.Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File returns the configuration file in use, empty before a successful Load
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// normalize fills server names from their keys and expands ${VAR}
// references in env values, headers and urls. viper lowercases map keys,
// so environment variable names are restored to upper case.
func normalize(cfg *types.Config) {
	if cfg.Servers == nil {
		return
	}
	for name, server := range cfg.Servers {
		server.Name = name
		if len(server.Env) > 0 {
			env := make(map[string]string, len(server.Env))
			for k, v := range server.Env {
				env[strings.ToUpper(k)] = os.ExpandEnv(v)
			}
			server.Env = env
		}
		for k, v := range server.Headers {
			server.Headers[k] = os.ExpandEnv(v)
		}
		server.URL = os.ExpandEnv(server.URL)
		cfg.Servers[name] = server
	}
}

// Validate checks settings that would make the process unusable. Problems
// with individual servers are reported per server at connect time instead.
func Validate(cfg *types.Config) error {
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", cfg.Gateway.Port)
	}
	if cfg.Catalog.TTL < 0 {
		return fmt.Errorf("invalid catalog ttl: %s", cfg.Catalog.TTL)
	}
	if cfg.Connection.MaxReconnectAttempts < 0 {
		return fmt.Errorf("invalid max_reconnect_attempts: %d", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Journal.Enabled && !cfg.Journal.InMemory && cfg.Journal.Path == "" {
		return errors.New("journal path is required unless in_memory is set")
	}
	for name := range cfg.Servers {
		if strings.TrimSpace(name) == "" {
			return errors.New("server name must not be empty")
		}
	}
	return nil
}
