// Package config manages cyncd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete cyncd configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	TLS     TLSConfig     `koanf:"tls"`
	MQTT    MQTTConfig    `koanf:"mqtt"`
	Timing  TimingConfig  `koanf:"timing"`
	Retry   RetryConfig   `koanf:"retry"`
	Command CommandConfig `koanf:"command"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`

	// Homes is the path to the exported homes document (devices and
	// groups per home). Read once at startup to seed the registry.
	Homes string `koanf:"homes"`
}

// ServerConfig holds the device-facing TLS listener configuration.
type ServerConfig struct {
	// Addr is the device listen address. Stock firmware dials port
	// 23779, so changing this only makes sense behind a DNAT rule.
	Addr string `koanf:"addr"`

	// MaxConns caps concurrent device sessions.
	MaxConns int `koanf:"max_conns"`

	// Allowlist is a comma-separated list of source IPs or CIDR
	// prefixes allowed to connect. Empty allows all sources.
	Allowlist string `koanf:"allowlist"`

	// BlackholeDelay, when positive, holds refused connections open and
	// silent for this long instead of closing them immediately.
	BlackholeDelay time.Duration `koanf:"blackhole_delay"`
}

// AllowlistEntries splits the comma-separated allowlist into trimmed,
// non-empty entries.
func (sc ServerConfig) AllowlistEntries() []string {
	if sc.Allowlist == "" {
		return nil
	}
	var entries []string
	for _, e := range strings.Split(sc.Allowlist, ",") {
		if e = strings.TrimSpace(e); e != "" {
			entries = append(entries, e)
		}
	}
	return entries
}

// TLSConfig holds the server certificate paths. Devices pin nothing and
// verify nothing, but they refuse plaintext, so a self-signed pair is
// sufficient and required.
type TLSConfig struct {
	// Cert is the path to the PEM-encoded server certificate.
	Cert string `koanf:"cert"`
	// Key is the path to the PEM-encoded private key.
	Key string `koanf:"key"`
}

// MQTTConfig holds the broker connection and topic layout.
type MQTTConfig struct {
	// Broker is the MQTT broker URL (e.g., "tcp://127.0.0.1:1883").
	Broker string `koanf:"broker"`

	// ClientID identifies this daemon to the broker.
	ClientID string `koanf:"client_id"`

	// Username and Password are the broker credentials (optional).
	Username string `koanf:"username"`
	Password string `koanf:"password"`

	// Topic is the base topic for state, availability, and set topics.
	Topic string `koanf:"topic"`

	// DiscoveryTopic is the Home Assistant discovery prefix.
	DiscoveryTopic string `koanf:"discovery_topic"`

	// StatusTopic is the Home Assistant birth/will topic to watch for
	// controller restarts.
	StatusTopic string `koanf:"status_topic"`

	// BirthPayload is the payload on StatusTopic that triggers a
	// discovery republish.
	BirthPayload string `koanf:"birth_payload"`
}

// TimingConfig holds the single latency knob all session timeouts derive
// from.
type TimingConfig struct {
	// AckP99 is the measured p99 device ACK latency. Ack, handshake,
	// heartbeat, and cleanup timeouts all derive from it.
	AckP99 time.Duration `koanf:"ack_p99"`
}

// RetryConfig holds the command retransmission schedule.
type RetryConfig struct {
	// Base is the first retry delay; each attempt doubles it.
	Base time.Duration `koanf:"base"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `koanf:"max_delay"`

	// JitterPercent widens each delay by up to ±JitterPercent/2 percent.
	JitterPercent int `koanf:"jitter_percent"`

	// MaxRetries is the number of retransmissions after the first send.
	MaxRetries int `koanf:"max_retries"`
}

// CommandConfig holds command dispatch tunables.
type CommandConfig struct {
	// Broadcasts is how many copies of each command are sent into the
	// mesh. Any single ACK completes the command.
	Broadcasts int `koanf:"broadcasts"`

	// MinKelvin and MaxKelvin bound the color temperature range mapped
	// onto the device's 0-100 percent scale.
	MinKelvin int `koanf:"min_kelvin"`
	MaxKelvin int `koanf:"max_kelvin"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with production defaults.
//
// The 51 ms ACK p99 is the measured stock-firmware latency on an
// otherwise idle LAN; deployments with slower meshes tune timing.ack_p99
// and every derived timeout follows.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":23779",
			MaxConns: 8,
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://127.0.0.1:1883",
			ClientID:       "cyncd",
			Topic:          "cync",
			DiscoveryTopic: "homeassistant",
			StatusTopic:    "homeassistant/status",
			BirthPayload:   "online",
		},
		Timing: TimingConfig{
			AckP99: 51 * time.Millisecond,
		},
		Retry: RetryConfig{
			Base:          100 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			JitterPercent: 10,
			MaxRetries:    3,
		},
		Command: CommandConfig{
			Broadcasts: 2,
			MinKelvin:  2000,
			MaxKelvin:  7000,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Homes: "homes.yaml",
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for cyncd configuration.
const envPrefix = "CYNC_"

// envAliases maps legacy and multi-word environment variables to their
// configuration keys. Variables not listed here map generically:
// CYNC_<section>_<key> -> section.key (e.g., CYNC_LOG_LEVEL -> log.level).
var envAliases = map[string]string{
	"CYNC_MAX_TCP_CONN":         "server.max_conns",
	"CYNC_TCP_WHITELIST":        "server.allowlist",
	"CYNC_TCP_BLACKHOLE_DELAY":  "server.blackhole_delay",
	"CYNC_CMD_BROADCASTS":       "command.broadcasts",
	"CYNC_MINK":                 "command.min_kelvin",
	"CYNC_MAXK":                 "command.max_kelvin",
	"CYNC_MQTT_CLIENT_ID":       "mqtt.client_id",
	"CYNC_MQTT_DISCOVERY_TOPIC": "mqtt.discovery_topic",
	"CYNC_MQTT_STATUS_TOPIC":    "mqtt.status_topic",
	"CYNC_MQTT_BIRTH_PAYLOAD":   "mqtt.birth_payload",
	"CYNC_TIMING_ACK_P99":       "timing.ack_p99",
	"CYNC_RETRY_MAX_DELAY":      "retry.max_delay",
	"CYNC_RETRY_JITTER_PERCENT": "retry.jitter_percent",
	"CYNC_RETRY_MAX_RETRIES":    "retry.max_retries",
}

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (CYNC_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. An empty path skips the file layer, so
// the daemon can run from environment variables alone.
//
// Environment variable mapping (selection):
//
//	CYNC_SERVER_ADDR          -> server.addr
//	CYNC_MAX_TCP_CONN         -> server.max_conns
//	CYNC_TCP_WHITELIST        -> server.allowlist (comma-separated)
//	CYNC_TCP_BLACKHOLE_DELAY  -> server.blackhole_delay
//	CYNC_CMD_BROADCASTS       -> command.broadcasts
//	CYNC_MINK / CYNC_MAXK     -> command.min_kelvin / command.max_kelvin
//	CYNC_MQTT_BROKER          -> mqtt.broker
//	CYNC_LOG_LEVEL            -> log.level
//	CYNC_HOMES                -> homes
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms CYNC_MQTT_BROKER -> mqtt.broker. Aliased
// variables resolve through envAliases; the rest strip the prefix,
// lowercase, and replace _ with .
func envKeyMapper(s string) string {
	if key, ok := envAliases[s]; ok {
		return key
	}
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"server.addr":            defaults.Server.Addr,
		"server.max_conns":       defaults.Server.MaxConns,
		"server.allowlist":       defaults.Server.Allowlist,
		"server.blackhole_delay": defaults.Server.BlackholeDelay.String(),
		"tls.cert":               defaults.TLS.Cert,
		"tls.key":                defaults.TLS.Key,
		"mqtt.broker":            defaults.MQTT.Broker,
		"mqtt.client_id":         defaults.MQTT.ClientID,
		"mqtt.username":          defaults.MQTT.Username,
		"mqtt.password":          defaults.MQTT.Password,
		"mqtt.topic":             defaults.MQTT.Topic,
		"mqtt.discovery_topic":   defaults.MQTT.DiscoveryTopic,
		"mqtt.status_topic":      defaults.MQTT.StatusTopic,
		"mqtt.birth_payload":     defaults.MQTT.BirthPayload,
		"timing.ack_p99":         defaults.Timing.AckP99.String(),
		"retry.base":             defaults.Retry.Base.String(),
		"retry.max_delay":        defaults.Retry.MaxDelay.String(),
		"retry.jitter_percent":   defaults.Retry.JitterPercent,
		"retry.max_retries":      defaults.Retry.MaxRetries,
		"command.broadcasts":     defaults.Command.Broadcasts,
		"command.min_kelvin":     defaults.Command.MinKelvin,
		"command.max_kelvin":     defaults.Command.MaxKelvin,
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
		"homes":                  defaults.Homes,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyServerAddr indicates the device listen address is empty.
	ErrEmptyServerAddr = errors.New("server.addr must not be empty")

	// ErrInvalidMaxConns indicates the connection cap is not positive.
	ErrInvalidMaxConns = errors.New("server.max_conns must be >= 1")

	// ErrInvalidAllowlistEntry indicates an allowlist entry is neither
	// an IP address nor a CIDR prefix.
	ErrInvalidAllowlistEntry = errors.New("allowlist entry is not an IP or CIDR")

	// ErrIncompleteTLS indicates only one of tls.cert / tls.key is set.
	ErrIncompleteTLS = errors.New("tls.cert and tls.key must be set together")

	// ErrEmptyBroker indicates the MQTT broker URL is empty.
	ErrEmptyBroker = errors.New("mqtt.broker must not be empty")

	// ErrEmptyTopic indicates the MQTT base topic is empty.
	ErrEmptyTopic = errors.New("mqtt.topic must not be empty")

	// ErrInvalidAckP99 indicates the timing knob is not positive.
	ErrInvalidAckP99 = errors.New("timing.ack_p99 must be > 0")

	// ErrInvalidRetry indicates a retry parameter is out of range.
	ErrInvalidRetry = errors.New("retry parameters out of range")

	// ErrInvalidBroadcasts indicates the broadcast count is not positive.
	ErrInvalidBroadcasts = errors.New("command.broadcasts must be >= 1")

	// ErrInvalidKelvinRange indicates min_kelvin >= max_kelvin.
	ErrInvalidKelvinRange = errors.New("command.min_kelvin must be below command.max_kelvin")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return ErrEmptyServerAddr
	}

	if cfg.Server.MaxConns < 1 {
		return ErrInvalidMaxConns
	}

	for _, e := range cfg.Server.AllowlistEntries() {
		if _, err := netip.ParsePrefix(e); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(e); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidAllowlistEntry, e)
		}
	}

	if (cfg.TLS.Cert == "") != (cfg.TLS.Key == "") {
		return ErrIncompleteTLS
	}

	if cfg.MQTT.Broker == "" {
		return ErrEmptyBroker
	}

	if cfg.MQTT.Topic == "" {
		return ErrEmptyTopic
	}

	if cfg.Timing.AckP99 <= 0 {
		return ErrInvalidAckP99
	}

	if cfg.Retry.Base <= 0 || cfg.Retry.MaxDelay < cfg.Retry.Base ||
		cfg.Retry.JitterPercent < 0 || cfg.Retry.JitterPercent > 100 ||
		cfg.Retry.MaxRetries < 0 {
		return ErrInvalidRetry
	}

	if cfg.Command.Broadcasts < 1 {
		return ErrInvalidBroadcasts
	}

	if cfg.Command.MinKelvin >= cfg.Command.MaxKelvin {
		return ErrInvalidKelvinRange
	}

	return nil
}

// -------------------------------------------------------------------------
// Logging
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
