package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// validConfig returns the defaults with a device filled in.
func validConfig() *Config {
	cfg := Default()
	cfg.Device = DeviceConfig{
		Address:  "AA:BB:CC:DD:EE:FF",
		UUID:     "0123456789abcdef",
		LocalKey: "a1b2c3d4e5f6g7h8",
		DeviceID: "bf0123456789abcdefghij",
	}
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.BLE.MTU != 20 {
		t.Errorf("BLE.MTU = %d, want 20", cfg.BLE.MTU)
	}
	if cfg.Commands.MaxAttempts != 3 {
		t.Errorf("Commands.MaxAttempts = %d, want 3", cfg.Commands.MaxAttempts)
	}
	if cfg.Commands.Timeout != 5 {
		t.Errorf("Commands.Timeout = %d, want 5", cfg.Commands.Timeout)
	}
	if cfg.AutoLock.Enabled {
		t.Error("AutoLock.Enabled should default to false")
	}
	if cfg.MQTT.Enabled || cfg.InfluxDB.Enabled {
		t.Error("MQTT and InfluxDB should default to disabled")
	}
	if cfg.State.Path == "" {
		t.Error("State.Path should not be empty")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, "text")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
device:
  address: "AA:BB:CC:DD:EE:FF"
  uuid: "0123456789abcdef"
  local_key: "a1b2c3d4e5f6g7h8"
  device_id: "bf0123456789abcdefghij"
ble:
  poll_interval: 60
commands:
  timeout: 8
  max_in_flight: 1
auto_lock:
  enabled: true
  delay: 45
mqtt:
  enabled: true
  broker:
    host: broker.lan
  door:
    topic: zigbee2mqtt/front_door
    open_payload: "false"
    closed_payload: "true"
log_level: debug
log_format: json
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.DeviceID != "bf0123456789abcdefghij" {
		t.Errorf("Device.DeviceID = %q", cfg.Device.DeviceID)
	}
	if cfg.BLE.PollInterval != 60 {
		t.Errorf("BLE.PollInterval = %d, want 60", cfg.BLE.PollInterval)
	}
	if cfg.BLE.MTU != 20 {
		t.Errorf("BLE.MTU = %d, want default 20", cfg.BLE.MTU)
	}
	if cfg.Commands.Timeout != 8 || cfg.Commands.MaxInFlight != 1 || cfg.Commands.MaxAttempts != 3 {
		t.Errorf("Commands = %+v", cfg.Commands)
	}
	if !cfg.AutoLock.Enabled || cfg.AutoLock.Delay != 45 {
		t.Errorf("AutoLock = %+v", cfg.AutoLock)
	}
	if cfg.MQTT.Broker.Host != "broker.lan" || cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker = %+v", cfg.MQTT.Broker)
	}
	if cfg.MQTT.Door.OpenPayload != "false" {
		t.Errorf("MQTT.Door.OpenPayload = %q", cfg.MQTT.Door.OpenPayload)
	}
	if !cfg.HasDoorSensor() {
		t.Error("HasDoorSensor() = false, want true")
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("logging = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	yamlContent := `
state:
  path: ~/gimdow/state.db
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, "gimdow", "state.db")
	if cfg.State.Path != expected {
		t.Errorf("State.Path = %q, want %q", cfg.State.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("device: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing address",
			modify:  func(c *Config) { c.Device.Address = "" },
			wantErr: true,
		},
		{
			name:    "missing device id",
			modify:  func(c *Config) { c.Device.DeviceID = "" },
			wantErr: true,
		},
		{
			name:    "short local key",
			modify:  func(c *Config) { c.Device.LocalKey = "abc" },
			wantErr: true,
		},
		{
			name:    "mtu too small",
			modify:  func(c *Config) { c.BLE.MTU = 4 },
			wantErr: true,
		},
		{
			name:    "zero reconnect max",
			modify:  func(c *Config) { c.BLE.ReconnectMax = 0 },
			wantErr: true,
		},
		{
			name:    "negative poll interval",
			modify:  func(c *Config) { c.BLE.PollInterval = -1 },
			wantErr: true,
		},
		{
			name:    "zero poll interval disables polling",
			modify:  func(c *Config) { c.BLE.PollInterval = 0 },
			wantErr: false,
		},
		{
			name:    "negative signal scan",
			modify:  func(c *Config) { c.BLE.SignalScan = -1 },
			wantErr: true,
		},
		{
			name:    "zero signal scan skips the scan",
			modify:  func(c *Config) { c.BLE.SignalScan = 0 },
			wantErr: false,
		},
		{
			name:    "zero command timeout",
			modify:  func(c *Config) { c.Commands.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero max attempts",
			modify:  func(c *Config) { c.Commands.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "zero max in flight",
			modify:  func(c *Config) { c.Commands.MaxInFlight = 0 },
			wantErr: true,
		},
		{
			name:    "auto lock without door sensor",
			modify:  func(c *Config) { c.AutoLock.Enabled = true },
			wantErr: true,
		},
		{
			name: "auto lock with door sensor",
			modify: func(c *Config) {
				c.AutoLock.Enabled = true
				c.MQTT.Enabled = true
				c.MQTT.Door.Topic = "door/state"
			},
			wantErr: false,
		},
		{
			name: "auto lock delay out of range",
			modify: func(c *Config) {
				c.AutoLock.Enabled = true
				c.AutoLock.Delay = 0
				c.MQTT.Enabled = true
				c.MQTT.Door.Topic = "door/state"
			},
			wantErr: true,
		},
		{
			name: "mqtt without host",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Broker.Host = ""
			},
			wantErr: true,
		},
		{
			name: "mqtt bad qos",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 3
			},
			wantErr: true,
		},
		{
			name: "door payloads identical",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Door.Topic = "door/state"
				c.MQTT.Door.ClosedPayload = c.MQTT.Door.OpenPayload
			},
			wantErr: true,
		},
		{
			name:    "influxdb without token",
			modify:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultNeedsDevice(t *testing.T) {
	if err := Default().Validate(); err == nil {
		t.Error("Validate() should fail without device credentials")
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "gimdow-ble", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# gimdow-ble") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Commands.MaxAttempts != 3 {
		t.Errorf("written config Commands.MaxAttempts = %d, want 3", cfg.Commands.MaxAttempts)
	}
	if cfg.MQTT.Door.ClosedPayload != "closed" {
		t.Errorf("written config MQTT.Door.ClosedPayload = %q", cfg.MQTT.Door.ClosedPayload)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "gimdow-ble")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestSeconds(t *testing.T) {
	if got := Seconds(90); got != 90*time.Second {
		t.Errorf("Seconds(90) = %v", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
