// Package config loads the hub configuration from YAML. Fields missing
// from the document keep their defaults, so an empty or absent file
// yields a fully working setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ApfelPresse/scratchlink-fakehub/pkg/protocol"

	"github.com/mcuadros/go-defaults"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvHeartbeatHz overrides microbit.heartbeat_hz when set, matching the
// knob Scratch workshop setups already use.
const EnvHeartbeatHz = "SL_HEARTBEAT_HZ"

// Port declares a sensor or motor attachment on the WeDo hub.
type Port struct {
	Port int    `yaml:"port"`
	Kind string `yaml:"kind"`
}

// DeviceKind maps the YAML kind name onto the wire enum.
func (p Port) DeviceKind() (protocol.DeviceKind, error) {
	switch strings.ToLower(p.Kind) {
	case "motor":
		return protocol.KindMotor, nil
	case "tilt":
		return protocol.KindTilt, nil
	case "distance":
		return protocol.KindDistance, nil
	}
	return 0, fmt.Errorf("unknown port kind %q", p.Kind)
}

// Wedo configures the emulated WeDo 2.0 hub.
type Wedo struct {
	Enabled          bool   `yaml:"enabled" default:"true"`
	Name             string `yaml:"name" default:"Fake-Wedo"`
	PeripheralID     string `yaml:"peripheral_id" default:"FAKE-WEDO-1234"`
	SensorIntervalMS int    `yaml:"sensor_interval_ms" default:"500"`
	Ports            []Port `yaml:"ports"`
}

// SensorInterval returns the stream pacing as a duration.
func (w Wedo) SensorInterval() time.Duration {
	return time.Duration(w.SensorIntervalMS) * time.Millisecond
}

// Microbit configures the emulated micro:bit.
type Microbit struct {
	Enabled      bool    `yaml:"enabled" default:"true"`
	Name         string  `yaml:"name" default:"Fake-Microbit"`
	PeripheralID string  `yaml:"peripheral_id" default:"FAKE-MICROBIT-5678"`
	HeartbeatHz  float64 `yaml:"heartbeat_hz" default:"1"`
}

// HeartbeatInterval converts the rate into a push period. A rate of
// zero or below disables the heartbeat and yields a negative interval.
func (m Microbit) HeartbeatInterval() time.Duration {
	if m.HeartbeatHz <= 0 {
		return -1
	}
	return time.Duration(float64(time.Second) / m.HeartbeatHz)
}

// Config is the root configuration document.
type Config struct {
	Listen   string   `yaml:"listen" default:"127.0.0.1:20111"`
	LogLevel string   `yaml:"log_level" default:"info"`
	Wedo     Wedo     `yaml:"wedo"`
	Microbit Microbit `yaml:"microbit"`
}

// Default returns the configuration used when no file is given. The
// default WeDo carries one device of each kind so every Scratch block
// has something to talk to.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Wedo.Ports = []Port{
		{Port: 1, Kind: "motor"},
		{Port: 2, Kind: "tilt"},
		{Port: 3, Kind: "distance"},
	}
	return cfg
}

// Load reads a YAML file over the defaults. An empty path skips the
// file and returns the defaults, still honoring environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv(EnvHeartbeatHz); v != "" {
		hz, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvHeartbeatHz, err)
		}
		cfg.Microbit.HeartbeatHz = hz
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects documents the hub could not run with.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Wedo.SensorIntervalMS <= 0 {
		return fmt.Errorf("wedo.sensor_interval_ms must be positive, got %d", c.Wedo.SensorIntervalMS)
	}
	seen := make(map[int]bool)
	for _, p := range c.Wedo.Ports {
		if _, err := p.DeviceKind(); err != nil {
			return fmt.Errorf("wedo.ports: %w", err)
		}
		if seen[p.Port] {
			return fmt.Errorf("wedo.ports: duplicate port %d", p.Port)
		}
		seen[p.Port] = true
	}
	return nil
}

// SetupLogging applies the configured level to the global logger.
func (c *Config) SetupLogging() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})
}
