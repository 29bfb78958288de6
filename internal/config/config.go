package config

import (
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
	Device    DeviceConfig   `yaml:"device"`
	BLE       BLEConfig      `yaml:"ble"`
	Commands  CommandsConfig `yaml:"commands"`
	AutoLock  AutoLockConfig `yaml:"auto_lock"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	State     StateConfig    `yaml:"state"`
	InfluxDB  InfluxDBConfig `yaml:"influxdb"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // "text" or "json"
}

// DeviceConfig holds the lock credentials from the vendor cloud.
type DeviceConfig struct {
	Address  string `yaml:"address"`
	UUID     string `yaml:"uuid"`
	LocalKey string `yaml:"local_key"`
	DeviceID string `yaml:"device_id"`
}

// BLEConfig holds link settings.
type BLEConfig struct {
	MTU            int `yaml:"mtu"`
	ReconnectMax   int `yaml:"reconnect_max"`   // seconds
	ConnectTimeout int `yaml:"connect_timeout"` // seconds
	PollInterval   int `yaml:"poll_interval"`   // seconds, 0 disables
	SignalScan     int `yaml:"signal_scan"`     // seconds scanned for RSSI before connecting, 0 disables
}

// CommandsConfig holds the dispatcher policy.
type CommandsConfig struct {
	Timeout     int `yaml:"timeout"` // seconds per attempt
	MaxAttempts int `yaml:"max_attempts"`
	MaxInFlight int `yaml:"max_in_flight"`
}

// AutoLockConfig holds the door-driven auto-lock settings.
type AutoLockConfig struct {
	Enabled bool `yaml:"enabled"`
	Delay   int  `yaml:"delay"` // seconds after the door closes
}

// MQTTConfig holds the broker connection and topic layout.
type MQTTConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Broker      MQTTBrokerConfig `yaml:"broker"`
	Auth        MQTTAuthConfig   `yaml:"auth"`
	QoS         int              `yaml:"qos"`
	TopicPrefix string           `yaml:"topic_prefix"`
	Door        DoorConfig       `yaml:"door"`
}

// MQTTBrokerConfig holds the broker address.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	TLS      bool   `yaml:"tls"`
}

// MQTTAuthConfig holds broker credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DoorConfig maps an MQTT door sensor onto door states. An empty topic means
// no door sensor.
type DoorConfig struct {
	Topic         string `yaml:"topic"`
	OpenPayload   string `yaml:"open_payload"`
	ClosedPayload string `yaml:"closed_payload"`
}

// StateConfig holds the last-known status store.
type StateConfig struct {
	Path string `yaml:"path"`
}

// InfluxDBConfig holds the telemetry sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gimdow-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The device section
// is left empty and must be filled in before the config validates.
func Default() *Config {
	home, _ := os.UserHomeDir()
	statePath := filepath.Join(home, ".local", "share", "gimdow-ble", "state.db")

	return &Config{
		BLE: BLEConfig{
			MTU:            20,
			ReconnectMax:   30,
			ConnectTimeout: 30,
			PollInterval:   300,
			SignalScan:     2,
		},
		Commands: CommandsConfig{
			Timeout:     5,
			MaxAttempts: 3,
			MaxInFlight: 2,
		},
		AutoLock: AutoLockConfig{
			Delay: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "gimdow-ble",
			},
			QoS:         1,
			TopicPrefix: "gimdow",
			Door: DoorConfig{
				OpenPayload:   "open",
				ClosedPayload: "closed",
			},
		},
		State: StateConfig{
			Path: statePath,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			BatchSize:     100,
			FlushInterval: 10,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in state.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.State.Path = expandTilde(cfg.State.Path)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# gimdow-ble configuration\n# Fill in the device section with the lock's credentials.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return fmt.Errorf("device.address must not be empty")
	}
	if c.Device.UUID == "" || c.Device.DeviceID == "" {
		return fmt.Errorf("device.uuid and device.device_id must not be empty")
	}
	if len(c.Device.LocalKey) < 6 {
		return fmt.Errorf("device.local_key must be at least 6 characters")
	}

	if c.BLE.MTU < 8 || c.BLE.MTU > 512 {
		return fmt.Errorf("ble.mtu must be between 8 and 512, got %d", c.BLE.MTU)
	}
	if c.BLE.ReconnectMax <= 0 {
		return fmt.Errorf("ble.reconnect_max must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.PollInterval < 0 {
		return fmt.Errorf("ble.poll_interval must be >= 0")
	}
	if c.BLE.SignalScan < 0 {
		return fmt.Errorf("ble.signal_scan must be >= 0")
	}

	if c.Commands.Timeout <= 0 {
		return fmt.Errorf("commands.timeout must be > 0")
	}
	if c.Commands.MaxAttempts < 1 {
		return fmt.Errorf("commands.max_attempts must be >= 1")
	}
	if c.Commands.MaxInFlight < 1 {
		return fmt.Errorf("commands.max_in_flight must be >= 1")
	}

	if c.AutoLock.Enabled {
		if c.AutoLock.Delay < 1 || c.AutoLock.Delay > 3600 {
			return fmt.Errorf("auto_lock.delay must be between 1 and 3600, got %d", c.AutoLock.Delay)
		}
		if !c.HasDoorSensor() {
			return fmt.Errorf("auto_lock requires mqtt.door.topic")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			return fmt.Errorf("mqtt.broker.host must not be empty")
		}
		if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
			return fmt.Errorf("mqtt.broker.port must be between 1 and 65535, got %d", c.MQTT.Broker.Port)
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty")
		}
		if c.MQTT.Door.Topic != "" && c.MQTT.Door.OpenPayload == c.MQTT.Door.ClosedPayload {
			return fmt.Errorf("mqtt.door open and closed payloads must differ")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Token == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			return fmt.Errorf("influxdb requires url, token, org and bucket")
		}
	}

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

	return nil
}

// HasDoorSensor reports whether a door sensor is configured.
func (c *Config) HasDoorSensor() bool {
	return c.MQTT.Enabled && c.MQTT.Door.Topic != ""
}

// Seconds converts a config value in seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
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
