// Package config loads the meterbridge YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"golang.org/x/exp/slog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	SolarAPI SolarAPIConfig `yaml:"solarapi"`
	Modbus   ModbusConfig   `yaml:"modbus"`
	RTU      RTUConfig      `yaml:"rtu"`
	Admin    AdminConfig    `yaml:"admin"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Log      LogConfig      `yaml:"log"`
}

// ---- SCRAPER ----

type SolarAPIConfig struct {
	// Address is host:port of the inverter HTTP endpoint.
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ---- MODBUS TCP ----

type ModbusConfig struct {
	Listen       string        `yaml:"listen"`
	UnitID       uint8         `yaml:"unit_id"`
	PollInterval time.Duration `yaml:"poll_interval"` // idle teardown after twice this
	Backlog      int           `yaml:"backlog"`
}

// ---- MODBUS RTU (optional) ----

type RTUConfig struct {
	// Device is the serial port path. Empty disables the RTU server.
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	UnitID   uint8  `yaml:"unit_id"`
}

// ---- ADMIN HTTP (optional) ----

type AdminConfig struct {
	// Listen is the HTTP listen address. Empty disables the admin channel.
	Listen       string `yaml:"listen"`
	PasswordFile string `yaml:"password_file"`
}

// ---- MQTT (optional) ----

type MQTTConfig struct {
	// Broker URL, i.e. tcp://localhost:1883. Empty disables publishing.
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// ---- LOGGING ----

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

// Default returns the configuration used for keys absent from a file.
func Default() Config {
	return Config{
		SolarAPI: SolarAPIConfig{
			Address:  "192.168.178.181:80",
			Interval: 500 * time.Millisecond,
			Timeout:  500 * time.Millisecond,
		},
		Modbus: ModbusConfig{
			Listen:       ":502",
			UnitID:       1,
			PollInterval: 5 * time.Second,
			Backlog:      4,
		},
		RTU: RTUConfig{
			BaudRate: 9600,
			UnitID:   1,
		},
		MQTT: MQTTConfig{
			Topic:    "meterbridge/meter",
			ClientID: "meterbridge",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the file at path over Default. Unknown keys are an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// SlogLevel returns the configured log level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	return lvl, nil
}
