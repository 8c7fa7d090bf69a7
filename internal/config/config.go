// Package config loads runner configuration.
//
// Values come from defaults, then an optional YAML file, then WORKD_*
// environment variables. Command-line flags are applied by the caller
// last. Validate runs after every source has been applied.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/workd/internal/transport"
)

// Environment variables read by Load.
const (
	EnvDBPath            = "WORKD_DB_PATH"
	EnvLogLevel          = "WORKD_LOG_LEVEL"
	EnvLogFormat         = "WORKD_LOG_FORMAT"
	EnvPollInterval      = "WORKD_POLL_INTERVAL"
	EnvHeartbeatInterval = "WORKD_HEARTBEAT_INTERVAL"
	EnvMaxConcurrent     = "WORKD_MAX_CONCURRENT"
	EnvMetricsAddr       = "WORKD_METRICS_ADDR"
)

// TransportLocal is the only transport kind built in.
const TransportLocal = "local"

// Config is the runner configuration.
type Config struct {
	DBPath    string           `yaml:"db_path"`
	Log       LogConfig        `yaml:"log"`
	Daemon    DaemonConfig     `yaml:"daemon"`
	Engine    EngineConfig     `yaml:"engine"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Jobs      JobsConfig       `yaml:"jobs"`
	Computers []ComputerConfig `yaml:"computers"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// DaemonConfig tunes the polling loop.
type DaemonConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	LaunchConcurrency int           `yaml:"launch_concurrency"`
}

// EngineConfig tunes process execution.
type EngineConfig struct {
	MaxConcurrent     int           `yaml:"max_concurrent"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// MetricsConfig enables the status endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// JobsConfig tunes wrapped remote jobs.
type JobsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// Computer is the default computer of wrapped jobs.
	Computer string `yaml:"computer"`
}

// ComputerConfig declares a computer reachable through a transport.
type ComputerConfig struct {
	Name             string        `yaml:"name"`
	Transport        string        `yaml:"transport"`
	SafeOpenInterval time.Duration `yaml:"safe_open_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath: "workd.db",
		Log:    LogConfig{Level: "info", Format: "text"},
		Daemon: DaemonConfig{
			PollInterval:      10 * time.Second,
			LaunchConcurrency: 4,
		},
		Engine: EngineConfig{
			MaxConcurrent:     16,
			HeartbeatInterval: 30 * time.Second,
		},
		Jobs: JobsConfig{
			PollInterval: 30 * time.Second,
			Computer:     "localhost",
		},
		Computers: []ComputerConfig{{Name: "localhost", Transport: TransportLocal}},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment as read by getenv. A nil getenv
// reads the process environment.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := getenv(EnvLogFormat); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := getenv(EnvMetricsAddr); v != "" {
		c.Metrics.Addr = v
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvPollInterval, &c.Daemon.PollInterval},
		{EnvHeartbeatInterval, &c.Engine.HeartbeatInterval},
	}
	for _, d := range durations {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if v := getenv(EnvMaxConcurrent); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxConcurrent, err)
		}
		c.Engine.MaxConcurrent = n
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is empty"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"daemon.poll_interval", c.Daemon.PollInterval},
		{"engine.heartbeat_interval", c.Engine.HeartbeatInterval},
		{"jobs.poll_interval", c.Jobs.PollInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.d))
		}
	}
	if c.Daemon.LaunchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("daemon.launch_concurrency must be positive, got %d", c.Daemon.LaunchConcurrency))
	}
	if c.Engine.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent must be positive, got %d", c.Engine.MaxConcurrent))
	}

	seen := make(map[string]bool, len(c.Computers))
	for i, comp := range c.Computers {
		switch {
		case comp.Name == "":
			errs = append(errs, fmt.Errorf("computers[%d]: name is empty", i))
		case seen[comp.Name]:
			errs = append(errs, fmt.Errorf("computers[%d]: duplicate name %q", i, comp.Name))
		}
		seen[comp.Name] = true
		if comp.Transport != TransportLocal {
			errs = append(errs, fmt.Errorf("computers[%d]: unknown transport %q", i, comp.Transport))
		}
		if comp.SafeOpenInterval < 0 {
			errs = append(errs, fmt.Errorf("computers[%d]: safe_open_interval is negative", i))
		}
	}
	if c.Jobs.Computer != "" && !seen[c.Jobs.Computer] {
		errs = append(errs, fmt.Errorf("jobs.computer %q is not declared", c.Jobs.Computer))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
	}
	return l, nil
}

// Resolver builds the transport resolver of the declared computers.
func (c *Config) Resolver() *transport.Resolver {
	r := transport.NewResolver()
	for _, comp := range c.Computers {
		switch comp.Transport {
		case TransportLocal:
			r.Add(transport.Computer{Name: comp.Name, T: &transport.Local{Interval: comp.SafeOpenInterval}})
		}
	}
	return r
}
