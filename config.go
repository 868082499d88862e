package casesync

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfield-dev/casesync/internal/errors"
)

// Config is the top-level casesync configuration. Durations are
// expressed in seconds so the file format stays plain YAML integers.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Remote  RemoteConfig  `yaml:"remote"`
	Channel ChannelConfig `yaml:"channel"`
	Network NetworkConfig `yaml:"network"`
	Queue   QueueConfig   `yaml:"queue"`
	Drain   DrainConfig   `yaml:"drain"`
}

// RemoteConfig configures the remote record store client.
type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	AuthToken      string `yaml:"auth_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ChannelConfig configures the realtime channel. An empty URL disables
// the channel; the core then syncs through drains and explicit
// refreshes only.
type ChannelConfig struct {
	URL                   string `yaml:"url"`
	UserID                string `yaml:"user_id"`
	Role                  string `yaml:"role"`
	InitialBackoffSeconds int    `yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds     int    `yaml:"max_backoff_seconds"`
	MaxReconnectAttempts  int    `yaml:"max_reconnect_attempts"`
	PingIntervalSeconds   int    `yaml:"ping_interval_seconds"`
}

// NetworkConfig configures the reachability monitor. An empty ProbeURL
// defaults to the remote base URL's /health endpoint.
type NetworkConfig struct {
	ProbeURL        string `yaml:"probe_url"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// QueueConfig configures retry policy for the pending operation queue.
type QueueConfig struct {
	MaxAttempts        int `yaml:"max_attempts"`
	BaseBackoffSeconds int `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds  int `yaml:"max_backoff_seconds"`
}

// DrainConfig configures the queue drain worker.
type DrainConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchSize       int `yaml:"batch_size"`
	Workers         int `yaml:"workers"`
}

// DefaultConfig returns a configuration with sensible defaults.
// DataDir and Remote.BaseURL must still be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Remote: RemoteConfig{
			TimeoutSeconds: 30,
		},
		Channel: ChannelConfig{
			InitialBackoffSeconds: 1,
			MaxBackoffSeconds:     30,
			MaxReconnectAttempts:  10,
			PingIntervalSeconds:   30,
		},
		Network: NetworkConfig{
			IntervalSeconds: 30,
		},
		Queue: QueueConfig{
			MaxAttempts:        5,
			BaseBackoffSeconds: 30,
			MaxBackoffSeconds:  3600,
		},
		Drain: DrainConfig{
			IntervalSeconds: 15,
			BatchSize:       10,
			Workers:         4,
		},
	}
}

// LoadConfig reads a YAML configuration file, layered over the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(errors.ErrValidation, "failed to read config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(errors.ErrValidation, "failed to parse config file", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrValidation, "data_dir is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New(errors.ErrValidation, "remote.base_url is required")
	}
	if c.Channel.URL != "" && c.Channel.UserID == "" {
		return errors.New(errors.ErrValidation, "channel.user_id is required when the channel is enabled")
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
