// Package config handles loading and validation of the parley-echo peer
// configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath is the default location for the peer configuration file.
const DefaultConfigPath = "/etc/parley/peer.yaml"

// Config holds all configuration for the parley-echo peer.
type Config struct {
	// ListenAddr is the HTTP listen address in serve mode, e.g. ":8440".
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// PeerURL is the WebSocket URL of the peer to dial. When set, the peer
	// runs in dial mode instead of serving.
	PeerURL string `mapstructure:"peer_url" yaml:"peer_url"`

	// LocalOrigin is the origin this peer presents, e.g. "ws://localhost:8440".
	LocalOrigin string `mapstructure:"local_origin" yaml:"local_origin"`

	// AllowedOrigins lists trusted peer origins, or the single entry "any".
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	// StrictOrigin surfaces origin-rejected frames as error events.
	StrictOrigin bool `mapstructure:"strict_origin" yaml:"strict_origin"`

	// HeartbeatInterval is the time between liveness pings.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long to wait for each pong.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`

	// HeartbeatMaxMisses is the consecutive-miss threshold declaring the
	// connection lost.
	HeartbeatMaxMisses int `mapstructure:"heartbeat_max_misses" yaml:"heartbeat_max_misses"`

	// LogLevel controls the logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Load reads configuration from the given file path, falling back to the
// default path if configPath is empty. Environment variables override file
// values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults.
	v.SetDefault("listen_addr", ":8440")
	v.SetDefault("allowed_origins", []string{"any"})
	v.SetDefault("heartbeat_interval", "5s")
	v.SetDefault("heartbeat_timeout", "2s")
	v.SetDefault("heartbeat_max_misses", 3)
	v.SetDefault("log_level", "info")

	// Configure file source.
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	// Configure environment variable overrides.
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"listen_addr":          "PARLEY_LISTEN_ADDR",
		"peer_url":             "PARLEY_PEER_URL",
		"local_origin":         "PARLEY_LOCAL_ORIGIN",
		"allowed_origins":      "PARLEY_ALLOWED_ORIGINS",
		"strict_origin":        "PARLEY_STRICT_ORIGIN",
		"heartbeat_interval":   "PARLEY_HEARTBEAT_INTERVAL",
		"heartbeat_timeout":    "PARLEY_HEARTBEAT_TIMEOUT",
		"heartbeat_max_misses": "PARLEY_HEARTBEAT_MAX_MISSES",
		"log_level":            "PARLEY_LOG_LEVEL",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	// Read config file; absence is fine, env vars and defaults carry.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration is well-formed.
func (c *Config) Validate() error {
	if c.PeerURL == "" && c.ListenAddr == "" {
		return fmt.Errorf("either peer_url or listen_addr is required")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins is required")
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout must be shorter than heartbeat_interval")
	}
	return nil
}
