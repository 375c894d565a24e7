// Package config loads the voice module configuration from an optional
// file and the environment. Every knob has a default; an absent file is
// not an error, a malformed one is.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Signaling holds the control-channel tunables.
type Signaling struct {
	// HandshakeTimeout bounds each connect or resume handshake end to end.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// EventQueue is the capacity of the lifecycle event channel.
	EventQueue int `mapstructure:"event_queue"`
}

// Transport holds the media-socket tunables.
type Transport struct {
	// DiscoveryTimeout bounds the UDP IP discovery exchange.
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	// KeepAliveInterval is how often a hold-open datagram goes out when no
	// audio has been sent.
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	// QueueSize is the capacity of the inbound packet channel.
	QueueSize int `mapstructure:"queue_size"`
}

// Bridge holds the frame-relay tunables.
type Bridge struct {
	// ReorderWindow is the per-source packet resequencing depth.
	ReorderWindow int `mapstructure:"reorder_window"`
	// OutboundQueue bounds host frames waiting for the pacer.
	OutboundQueue int `mapstructure:"outbound_queue"`
	// InboundQueue bounds decoded frames waiting for the host.
	InboundQueue int `mapstructure:"inbound_queue"`
}

// Session holds the supervisor's reconnect policy.
type Session struct {
	// MaxReconnectAttempts bounds consecutive reconnect tries before the
	// session gives up and closes.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
	// ReconnectBackoff is the initial retry delay; it doubles per attempt.
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
}

// Config is the root of the module configuration.
type Config struct {
	LogLevel  string    `mapstructure:"log_level"`
	Signaling Signaling `mapstructure:"signaling"`
	Transport Transport `mapstructure:"transport"`
	Bridge    Bridge    `mapstructure:"bridge"`
	Session   Session   `mapstructure:"session"`
}

const envPrefix = "DISCORDVOICE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("signaling.handshake_timeout", 10*time.Second)
	v.SetDefault("signaling.event_queue", 32)
	v.SetDefault("transport.discovery_timeout", 5*time.Second)
	v.SetDefault("transport.keepalive_interval", 5*time.Second)
	v.SetDefault("transport.queue_size", 64)
	v.SetDefault("bridge.reorder_window", 8)
	v.SetDefault("bridge.outbound_queue", 16)
	v.SetDefault("bridge.inbound_queue", 32)
	v.SetDefault("session.max_reconnect_attempts", 5)
	v.SetDefault("session.reconnect_backoff", time.Second)
}

// Load reads configuration from path (optional) and the environment.
// Environment variables use the DISCORDVOICE_ prefix with underscores for
// nesting, e.g. DISCORDVOICE_SESSION_MAX_RECONNECT_ATTEMPTS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("discordvoice")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/discordvoice")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"file":     v.ConfigFileUsed(),
	}).Debug("Configuration loaded")
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative, got %d", c.Session.MaxReconnectAttempts)
	}
	if c.Bridge.ReorderWindow < 1 {
		return fmt.Errorf("reorder_window must be at least 1, got %d", c.Bridge.ReorderWindow)
	}
	return nil
}

// ConfigureLogging applies the configured level to the global logger.
func (c *Config) ConfigureLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
