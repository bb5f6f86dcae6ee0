package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Validate checks configuration correctness.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}

	// ---- scraper ----
	if err := validateHostPort(cfg.SolarAPI.Address, true); err != nil {
		return fmt.Errorf("solarapi.address: %w", err)
	}
	if cfg.SolarAPI.Interval <= 0 {
		return fmt.Errorf("solarapi.interval must be positive, got %v", cfg.SolarAPI.Interval)
	}
	if cfg.SolarAPI.Timeout <= 0 {
		return fmt.Errorf("solarapi.timeout must be positive, got %v", cfg.SolarAPI.Timeout)
	}

	// ---- modbus tcp ----
	if err := validateHostPort(cfg.Modbus.Listen, false); err != nil {
		return fmt.Errorf("modbus.listen: %w", err)
	}
	if cfg.Modbus.PollInterval <= 0 {
		return fmt.Errorf("modbus.poll_interval must be positive, got %v", cfg.Modbus.PollInterval)
	}
	if cfg.Modbus.Backlog < 1 {
		return fmt.Errorf("modbus.backlog must be at least 1, got %d", cfg.Modbus.Backlog)
	}

	// ---- modbus rtu (opt-in) ----
	if cfg.RTU.Device != "" {
		if cfg.RTU.UnitID < 1 || cfg.RTU.UnitID > 247 {
			return fmt.Errorf("rtu.unit_id must be in 1..247, got %d", cfg.RTU.UnitID)
		}
		if cfg.RTU.BaudRate <= 0 {
			return fmt.Errorf("rtu.baud_rate must be positive, got %d", cfg.RTU.BaudRate)
		}
	}

	// ---- admin (opt-in) ----
	if cfg.Admin.Listen != "" {
		if err := validateHostPort(cfg.Admin.Listen, false); err != nil {
			return fmt.Errorf("admin.listen: %w", err)
		}
		if cfg.Admin.PasswordFile == "" {
			return errors.New("admin.listen is set but admin.password_file is empty")
		}
	}

	// ---- mqtt (opt-in) ----
	if cfg.MQTT.Broker != "" {
		u, err := url.Parse(cfg.MQTT.Broker)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("mqtt.broker %q must be a URL like tcp://host:1883", cfg.MQTT.Broker)
		}
		if cfg.MQTT.Topic == "" {
			return errors.New("mqtt.broker is set but mqtt.topic is empty")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
		}
	}

	if _, err := cfg.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// validateHostPort checks addr is host:port. The host may be empty unless needHost.
func validateHostPort(addr string, needHost bool) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if needHost && host == "" {
		return fmt.Errorf("%q has no host", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("%q has invalid port", addr)
	}
	return nil
}
