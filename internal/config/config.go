// Package config loads the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/swarm/internal/concurrency"
	"github.com/fentz26/swarm/internal/connectors/localexec"
	"github.com/fentz26/swarm/internal/events"
	"github.com/fentz26/swarm/internal/launcher"
	"github.com/fentz26/swarm/internal/logging"
	"github.com/fentz26/swarm/internal/mission"
	"github.com/fentz26/swarm/internal/routing"
	"github.com/fentz26/swarm/internal/scheduler"
	"github.com/fentz26/swarm/internal/sessionpool"
	"github.com/fentz26/swarm/internal/taskstore"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportHTTP   = "http"
	TransportMemory = "memory"
)

// Config is the full daemon configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Log         logging.Options    `yaml:"log"`
	Store       StoreConfig        `yaml:"store"`
	Transport   TransportConfig    `yaml:"transport"`
	Concurrency concurrency.Config `yaml:"concurrency"`
	Pool        sessionpool.Config `yaml:"pool"`
	Tasks       taskstore.Options  `yaml:"tasks"`
	Events      events.Options     `yaml:"events"`
	Launcher    launcher.Options   `yaml:"launcher"`
	Mission     mission.Options    `yaml:"mission"`
	Routing     routing.Config     `yaml:"routing"`
	Verify      localexec.Config   `yaml:"verify"`
	Scheduler   scheduler.Config   `yaml:"scheduler"`
}

// ServerConfig controls the HTTP control plane.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig locates the SQLite database. An empty path keeps mission
// state in memory and disables the audit trail and archive.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TransportConfig selects how sessions are reached.
type TransportConfig struct {
	// Kind is "http" for a remote session host or "memory" for the
	// in-process host.
	Kind      string `yaml:"kind"`
	BaseURL   string `yaml:"base_url"`
	Directory string `yaml:"directory,omitempty"`
}

// DefaultConfig returns a configuration that runs against a local host.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       "127.0.0.1:7467",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Log: logging.Options{
			Level:  "info",
			Output: "stderr",
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Transport: TransportConfig{
			Kind:    TransportHTTP,
			BaseURL: "http://127.0.0.1:4096",
		},
		Concurrency: *concurrency.DefaultConfig(),
		Pool:        *sessionpool.DefaultConfig(),
		Tasks:       taskstore.DefaultOptions(),
		Events:      events.DefaultOptions(),
		Launcher:    launcher.DefaultOptions(),
		Mission:     mission.DefaultOptions(),
		Routing:     *routing.DefaultConfig(),
		Verify: localexec.Config{
			Timeout: 5 * time.Minute,
		},
		Scheduler: *scheduler.DefaultConfig(),
	}
}

func defaultStorePath() string {
	dir, err := Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "swarm.db")
}

// Dir returns ~/.swarm.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, ".swarm"), nil
}

// HomePath returns ~/.swarm/config.yaml.
func HomePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server listen address must be set")
	}
	if c.Log.Level != "" && hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	switch c.Transport.Kind {
	case TransportHTTP:
		if c.Transport.BaseURL == "" {
			return fmt.Errorf("transport base_url is required for the http transport")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("unknown transport kind %q (want %s or %s)", c.Transport.Kind, TransportHTTP, TransportMemory)
	}

	if c.Concurrency.Default < 0 || c.Concurrency.GlobalMax < 0 {
		return fmt.Errorf("concurrency limits must not be negative")
	}
	for key, limit := range c.Concurrency.Keys {
		if limit < 0 {
			return fmt.Errorf("concurrency limit for %q must not be negative", key)
		}
	}
	if c.Concurrency.PressureThreshold < 0 || c.Concurrency.PressureThreshold > 1 {
		return fmt.Errorf("pressure_threshold must be between 0 and 1")
	}

	if c.Pool.MaxPerCategory < 0 || c.Pool.MaxReuse < 0 {
		return fmt.Errorf("pool limits must not be negative")
	}
	if c.Launcher.MaxDepth < 0 {
		return fmt.Errorf("launcher max_depth must not be negative")
	}
	if c.Mission.MaxIterations < 0 {
		return fmt.Errorf("mission max_iterations must not be negative")
	}

	if err := c.Routing.Validate(); err != nil {
		return err
	}
	if len(c.Verify.Command) > 0 {
		v := localexec.New(c.Verify)
		if !v.IsAllowed(c.Verify.Command[0], c.Verify.Command[1:]) {
			return fmt.Errorf("verify command %q is not in the allowlist", c.Verify.Command)
		}
	}
	return nil
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromHome loads configuration from ~/.swarm/config.yaml.
func LoadFromHome() (*Config, error) {
	path, err := HomePath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Save writes the configuration to a YAML file, creating parent
// directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
