// Package config provides YAML-based configuration loading for parrot.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/maniwani/parrot/pkg/dispatch"
	"github.com/maniwani/parrot/pkg/protocol"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the application
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Transport selects and configures the datagram endpoint
	Transport TransportConfig `mapstructure:"transport"`

	// Protocol holds the messaging tunables; both sides of a connection
	// must agree on channels.
	Protocol ProtocolConfig `mapstructure:"protocol"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls log file rotation for file outputs. The rotated
// filename is the output path itself.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// TransportConfig selects the datagram endpoint.
type TransportConfig struct {
	// Kind: udp or quic. The in-memory hub is in-process only and is wired
	// up directly, never through configuration.
	Kind string `mapstructure:"kind"`
	// Listen is the local bind address (host:port)
	Listen string `mapstructure:"listen"`
	// RxQueueDepth bounds the endpoint inbox
	RxQueueDepth int `mapstructure:"rx_queue_depth"`
}

// ProtocolConfig holds the messaging tunables.
type ProtocolConfig struct {
	// Channels lists delivery modes by channel index:
	// unreliable, sequenced, reliable_unordered, reliable_ordered
	Channels []string `mapstructure:"channels"`

	MaxDatagramSize           int           `mapstructure:"max_datagram_size"`
	HeartbeatInterval         time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout               time.Duration `mapstructure:"idle_timeout"`
	HandshakeTimeout          time.Duration `mapstructure:"handshake_timeout"`
	HandshakeRetryInterval    time.Duration `mapstructure:"handshake_retry_interval"`
	MaxRetransmitAttempts     int           `mapstructure:"max_retransmit_attempts"`
	MaxRetransmitInterval     time.Duration `mapstructure:"max_retransmit_interval"`
	FragmentReassemblyTimeout time.Duration `mapstructure:"fragment_reassembly_timeout"`
	SendQueueCapacity         int           `mapstructure:"send_queue_capacity"`
	DisconnectDrainTimeout    time.Duration `mapstructure:"disconnect_drain_timeout"`
	RTTSmoothing              float64       `mapstructure:"rtt_smoothing"`
	MaxConnections            int           `mapstructure:"max_connections"`
	AcceptIncoming            bool          `mapstructure:"accept_incoming"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	d := dispatch.DefaultOptions()
	return &Config{
		AppName: "parrot",
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Enable:     false,
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			Kind:         "udp",
			Listen:       ":7777",
			RxQueueDepth: 256,
		},
		Protocol: ProtocolConfig{
			Channels:                  []string{"reliable_ordered"},
			MaxDatagramSize:           d.MaxDatagramSize,
			HeartbeatInterval:         d.HeartbeatInterval,
			IdleTimeout:               d.IdleTimeout,
			HandshakeTimeout:          d.HandshakeTimeout,
			HandshakeRetryInterval:    d.HandshakeRetryInterval,
			MaxRetransmitAttempts:     d.MaxRetransmitAttempts,
			MaxRetransmitInterval:     d.MaxRetransmitInterval,
			FragmentReassemblyTimeout: d.FragmentTimeout,
			SendQueueCapacity:         d.SendQueueCapacity,
			DisconnectDrainTimeout:    d.DisconnectDrainTimeout,
			RTTSmoothing:              d.RTTSmoothing,
			MaxConnections:            d.MaxConnections,
			AcceptIncoming:            d.AcceptIncoming,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PARROT and `.`/`-` are replaced with `_`.
// Example: PARROT_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PARROT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.listen", cfg.Transport.Listen)
	v.SetDefault("transport.rx_queue_depth", cfg.Transport.RxQueueDepth)
	v.SetDefault("protocol.channels", cfg.Protocol.Channels)
	v.SetDefault("protocol.max_datagram_size", cfg.Protocol.MaxDatagramSize)
	v.SetDefault("protocol.heartbeat_interval", cfg.Protocol.HeartbeatInterval)
	v.SetDefault("protocol.idle_timeout", cfg.Protocol.IdleTimeout)
	v.SetDefault("protocol.handshake_timeout", cfg.Protocol.HandshakeTimeout)
	v.SetDefault("protocol.handshake_retry_interval", cfg.Protocol.HandshakeRetryInterval)
	v.SetDefault("protocol.max_retransmit_attempts", cfg.Protocol.MaxRetransmitAttempts)
	v.SetDefault("protocol.max_retransmit_interval", cfg.Protocol.MaxRetransmitInterval)
	v.SetDefault("protocol.fragment_reassembly_timeout", cfg.Protocol.FragmentReassemblyTimeout)
	v.SetDefault("protocol.send_queue_capacity", cfg.Protocol.SendQueueCapacity)
	v.SetDefault("protocol.disconnect_drain_timeout", cfg.Protocol.DisconnectDrainTimeout)
	v.SetDefault("protocol.rtt_smoothing", cfg.Protocol.RTTSmoothing)
	v.SetDefault("protocol.max_connections", cfg.Protocol.MaxConnections)
	v.SetDefault("protocol.accept_incoming", cfg.Protocol.AcceptIncoming)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("PARROT_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("parrot")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".parrot"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "udp", "quic":
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}

	if len(c.Protocol.Channels) == 0 {
		return errors.New("protocol.channels must list at least one channel")
	}
	if _, err := c.Modes(); err != nil {
		return err
	}
	return nil
}

// Modes parses the configured channel mode names.
func (c *Config) Modes() ([]protocol.Mode, error) {
	modes := make([]protocol.Mode, 0, len(c.Protocol.Channels))
	for i, name := range c.Protocol.Channels {
		m, err := protocol.ParseMode(name)
		if err != nil {
			return nil, fmt.Errorf("protocol.channels[%d]: %w", i, err)
		}
		modes = append(modes, m)
	}
	return modes, nil
}

// DispatchOptions converts the protocol section into dispatcher options.
func (c *Config) DispatchOptions() (dispatch.Options, error) {
	modes, err := c.Modes()
	if err != nil {
		return dispatch.Options{}, err
	}
	opts := dispatch.DefaultOptions()
	opts.Modes = modes
	opts.MaxDatagramSize = c.Protocol.MaxDatagramSize
	opts.HeartbeatInterval = c.Protocol.HeartbeatInterval
	opts.IdleTimeout = c.Protocol.IdleTimeout
	opts.HandshakeTimeout = c.Protocol.HandshakeTimeout
	opts.HandshakeRetryInterval = c.Protocol.HandshakeRetryInterval
	opts.MaxRetransmitAttempts = c.Protocol.MaxRetransmitAttempts
	opts.MaxRetransmitInterval = c.Protocol.MaxRetransmitInterval
	opts.FragmentTimeout = c.Protocol.FragmentReassemblyTimeout
	opts.SendQueueCapacity = c.Protocol.SendQueueCapacity
	opts.DisconnectDrainTimeout = c.Protocol.DisconnectDrainTimeout
	opts.RTTSmoothing = c.Protocol.RTTSmoothing
	opts.MaxConnections = c.Protocol.MaxConnections
	opts.AcceptIncoming = c.Protocol.AcceptIncoming
	return opts, nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
