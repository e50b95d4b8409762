package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Serial.Driver != "bugst" || cfg.Serial.Baud != 115200 || cfg.Serial.Timeout != time.Second {
		t.Errorf("serial defaults = %+v", cfg.Serial)
	}
	if cfg.Polling.PositionPeriod != 200*time.Millisecond || cfg.Polling.InfoPeriod != 10*time.Second {
		t.Errorf("polling defaults = %+v", cfg.Polling)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Web.Listen)
	}
	if cfg.MQTT.TopicPrefix != "mff" || cfg.MQTT.Enabled {
		t.Errorf("mqtt defaults = %+v", cfg.MQTT)
	}
	if cfg.ScriptsDir != "scripts" || cfg.Store.Path != "mff-controller.db" {
		t.Errorf("paths = %q, %q", cfg.ScriptsDir, cfg.Store.Path)
	}
}

func TestLoadConfigMissingFileIsError(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), false); err == nil {
		t.Fatal("expected error for explicit missing config")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
serial:
  driver: tarm
  port: /dev/ttyUSB0
  baud: 9600
  timeout: 250ms
  max_rate: 20
polling:
  position_period: 100ms
  info_period: 1m
web:
  listen: ":9000"
  api_key: secret
mqtt:
  enabled: true
  broker: tcp://broker:1883
log:
  level: debug
  format: json
`)
	cfg, err := loadConfig(path, false)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Serial.Driver != "tarm" || cfg.Serial.Port != "/dev/ttyUSB0" || cfg.Serial.Baud != 9600 {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.Serial.Timeout != 250*time.Millisecond || cfg.Serial.MaxRate != 20 {
		t.Errorf("timeout/rate = %v, %v", cfg.Serial.Timeout, cfg.Serial.MaxRate)
	}
	if cfg.Polling.InfoPeriod != time.Minute {
		t.Errorf("info period = %v", cfg.Polling.InfoPeriod)
	}
	if cfg.Web.APIKey != "secret" || !cfg.MQTT.Enabled {
		t.Errorf("web/mqtt = %+v %+v", cfg.Web, cfg.MQTT)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}

	s := cfg.transportSettings()
	if s.Driver != "tarm" || s.Port != "/dev/ttyUSB0" || s.Baud != 9600 {
		t.Errorf("transport settings = %+v", s)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := writeConfig(t, "serial: [not, a, map")
	if _, err := loadConfig(path, false); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()
		cfg.Serial.Port = "/dev/ttyUSB0"
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no port", func(c *Config) { c.Serial.Port = "" }, true},
		{"sim needs no port", func(c *Config) { c.Serial.Port = ""; c.Serial.Driver = "sim" }, false},
		{"unknown driver", func(c *Config) { c.Serial.Driver = "usb" }, true},
		{"negative baud", func(c *Config) { c.Serial.Baud = -1 }, true},
		{"negative rate", func(c *Config) { c.Serial.MaxRate = -1 }, true},
		{"negative period", func(c *Config) { c.Polling.PositionPeriod = -time.Second }, true},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	f, fs, err := parseFlags([]string{"--port", "/dev/ttyUSB1", "-l", ":9090", "my.yaml"})
	if err != nil {
		t.Fatal(err)
	}
	if f.config != "my.yaml" {
		t.Errorf("config = %q, want positional my.yaml", f.config)
	}
	if fs.Changed("config") {
		t.Error("config flag reported as changed")
	}

	cfg := &Config{}
	cfg.applyDefaults()
	f.apply(cfg)
	if cfg.Serial.Port != "/dev/ttyUSB1" || cfg.Web.Listen != ":9090" {
		t.Errorf("overrides not applied: %+v %+v", cfg.Serial, cfg.Web)
	}
	if cfg.Serial.Driver != "bugst" {
		t.Errorf("driver changed without flag: %q", cfg.Serial.Driver)
	}
}

func TestParseFlagsExplicitConfigWins(t *testing.T) {
	f, _, err := parseFlags([]string{"-c", "a.yaml", "b.yaml"})
	if err != nil {
		t.Fatal(err)
	}
	if f.config != "a.yaml" {
		t.Errorf("config = %q", f.config)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{}
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"
	logger := newLogger(cfg, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "field", "model")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"field":"model"`) {
		t.Errorf("json output = %q", out)
	}
}
