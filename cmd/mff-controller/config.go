package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mff-controller/internal/transport"
)

type Config struct {
	Serial struct {
		Driver  string        `yaml:"driver"` // "bugst", "tarm" or "sim"
		Port    string        `yaml:"port"`
		Baud    int           `yaml:"baud"`
		Timeout time.Duration `yaml:"timeout"`
		MaxRate float64       `yaml:"max_rate"`
	} `yaml:"serial"`
	Polling struct {
		PositionPeriod time.Duration `yaml:"position_period"`
		InfoPeriod     time.Duration `yaml:"info_period"`
	} `yaml:"polling"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Serial.Driver {
	case "bugst", "tarm":
		if c.Serial.Port == "" {
			return errors.New("serial.port is required")
		}
	case "sim":
	default:
		return fmt.Errorf("serial.driver must be bugst, tarm or sim, got %q", c.Serial.Driver)
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Serial.MaxRate < 0 {
		return fmt.Errorf("serial.max_rate must not be negative")
	}
	if c.Polling.PositionPeriod <= 0 || c.Polling.InfoPeriod <= 0 {
		return errors.New("polling periods must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) transportSettings() transport.Settings {
	return transport.Settings{
		Driver:  c.Serial.Driver,
		Port:    c.Serial.Port,
		Baud:    c.Serial.Baud,
		Timeout: c.Serial.Timeout,
		MaxRate: c.Serial.MaxRate,
	}
}

// loadConfig reads path and fills in defaults. A missing file is not an
// error when allowMissing is set; flags may supply everything needed.
func loadConfig(path string, allowMissing bool) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case allowMissing && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Serial.Driver == "" {
		c.Serial.Driver = "bugst"
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = transport.DefaultBaud
	}
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = transport.DefaultTimeout
	}
	if c.Polling.PositionPeriod == 0 {
		c.Polling.PositionPeriod = 200 * time.Millisecond
	}
	if c.Polling.InfoPeriod == 0 {
		c.Polling.InfoPeriod = 10 * time.Second
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "mff-controller.db"
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mff"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}
