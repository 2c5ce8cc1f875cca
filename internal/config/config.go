package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" or "json"
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
}

// BluetoothConfig holds BLE scanning and connection settings.
type BluetoothConfig struct {
	ScanTimeout      Duration `yaml:"scan_timeout"`
	ConnectTimeout   Duration `yaml:"connect_timeout"`
	ReconnectDelay   Duration `yaml:"reconnect_delay"`
	ReconnectMax     Duration `yaml:"reconnect_max"`
	MinWriteInterval Duration `yaml:"min_write_interval"` // pacing between commands to one light
}

// DatabaseConfig holds the config entry store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig holds the broker connection and Home Assistant discovery settings.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	TLS             bool   `yaml:"tls"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	QoS             int    `yaml:"qos"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	BaseTopic       string `yaml:"base_topic"`
}

// InfluxDBConfig holds the optional state history sink settings.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// Duration is a time.Duration written in YAML as a Go duration string ("5s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "surplife-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dbPath := filepath.Join(home, ".local", "share", "surplife-ble", "entries.db")

	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Bluetooth: BluetoothConfig{
			ScanTimeout:      Duration(10 * time.Second),
			ConnectTimeout:   Duration(20 * time.Second),
			ReconnectDelay:   Duration(5 * time.Second),
			ReconnectMax:     Duration(5 * time.Second),
			MinWriteInterval: Duration(50 * time.Millisecond),
		},
		Database: DatabaseConfig{
			Path: dbPath,
		},
		MQTT: MQTTConfig{
			Enabled:         true,
			Host:            "localhost",
			Port:            1883,
			ClientID:        "surplife-ble",
			QoS:             1,
			DiscoveryPrefix: "homeassistant",
			BaseTopic:       "surplife_ble",
		},
		InfluxDB: InfluxDBConfig{
			Enabled: false,
			URL:     "http://localhost:8086",
			Org:     "home",
			Bucket:  "surplife",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in database.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Database.Path = expandTilde(cfg.Database.Path)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. If a config
// file already exists it is left untouched and ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# surplife-ble configuration\n")
	buf.WriteString("# Durations use Go syntax: 500ms, 5s, 1m.\n\n")
	buf.Write(data)

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	bt := c.Bluetooth
	if bt.ScanTimeout <= 0 {
		return fmt.Errorf("bluetooth.scan_timeout must be > 0")
	}
	if bt.ConnectTimeout <= 0 {
		return fmt.Errorf("bluetooth.connect_timeout must be > 0")
	}
	if bt.ReconnectDelay <= 0 {
		return fmt.Errorf("bluetooth.reconnect_delay must be > 0")
	}
	if bt.ReconnectMax < bt.ReconnectDelay {
		return fmt.Errorf("bluetooth.reconnect_max must be >= reconnect_delay")
	}
	if bt.MinWriteInterval < 0 {
		return fmt.Errorf("bluetooth.min_write_interval must be >= 0")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			return fmt.Errorf("mqtt.host must not be empty")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be 1-65535, got %d", c.MQTT.Port)
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id must not be empty")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
		if err := validateTopicSegment("mqtt.discovery_prefix", c.MQTT.DiscoveryPrefix); err != nil {
			return err
		}
		if err := validateTopicSegment("mqtt.base_topic", c.MQTT.BaseTopic); err != nil {
			return err
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			return fmt.Errorf("influxdb.url must not be empty")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			return fmt.Errorf("influxdb.org and influxdb.bucket must not be empty")
		}
	}

	return nil
}

// ParseLogLevel converts a config log level to slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func validateTopicSegment(field, topic string) error {
	if topic == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%s must not contain MQTT wildcards, got %q", field, topic)
	}
	if strings.HasPrefix(topic, "/") || strings.HasSuffix(topic, "/") {
		return fmt.Errorf("%s must not start or end with '/', got %q", field, topic)
	}
	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
