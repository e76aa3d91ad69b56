// Package config provides YAML-based configuration loading for marionette.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/marionette/pkg/bus"
)

// Config is the top-level configuration, loaded from marionette.yaml.
type Config struct {
	// APIBase is the REST endpoint prefix, e.g. "http://localhost:8731".
	APIBase string `yaml:"api_base"`
	// WSURL is the real-time channel endpoint, e.g. "ws://localhost:8731/ws".
	WSURL string `yaml:"ws_url"`
	// Token is passed on connect when the channel requires auth.
	Token string `yaml:"token"`
	// ListenAddr is where `marionette serve` binds.
	ListenAddr string `yaml:"listen_addr"`
	// SQLitePath persists the dev server's conversations; empty keeps them
	// in memory.
	SQLitePath string `yaml:"sqlite_path"`
	LogLevel   string `yaml:"log_level"`

	Redis bus.RedisSettings `yaml:"redis"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8731"
	}
	if c.APIBase == "" {
		c.APIBase = "http://localhost:8731"
	}
	if c.WSURL == "" {
		c.WSURL = "ws://localhost:8731/ws"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Group == "" {
		c.Redis.Group = "marionette"
	}
	if c.Redis.Consumer == "" {
		c.Redis.Consumer = "marionette-1"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MARIONETTE_API_BASE"); v != "" {
		c.APIBase = v
	}
	if v := os.Getenv("MARIONETTE_WS_URL"); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv("MARIONETTE_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("MARIONETTE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.APIBase, "http://") && !strings.HasPrefix(c.APIBase, "https://") {
		return errors.Errorf("config: api_base must be an http(s) URL, got %q", c.APIBase)
	}
	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return errors.Errorf("config: ws_url must be a ws(s) URL, got %q", c.WSURL)
	}
	return nil
}
