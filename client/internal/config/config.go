package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultServerURL   = "http://localhost:7777"
	DefaultPath        = "/socket.io/"
	DefaultBufferSize  = 1000
	DefaultDialTimeout = 10 * time.Second
	DefaultLogLevel    = "info"
)

// Config is the top-level client configuration.
type Config struct {
	Client ClientConfig `yaml:"client"`
}

// ClientConfig holds the connection settings.
type ClientConfig struct {
	// ServerURL is the relay's base URL (http, https, ws or wss).
	ServerURL string `yaml:"server_url"`

	// Path is where the relay mounts its Socket.IO endpoint.
	Path string `yaml:"path"`

	// BufferSize is the maximum number of outbound events held while the
	// server is unreachable. The oldest is dropped when full.
	BufferSize int `yaml:"buffer_size"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
	LogLevel    string        `yaml:"log_level"`
}

// WebsocketURL returns the Engine.IO v4 websocket endpoint for c.
func (c ClientConfig) WebsocketURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server_url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server_url: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/"
	if p := strings.Trim(c.Path, "/"); p != "" {
		u.Path = "/" + p + "/"
	}
	u.RawQuery = "EIO=4&transport=websocket"
	return u.String(), nil
}

// Load reads the YAML file at path (optional), applies env overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("FACERELAY_SERVER_URL"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := os.Getenv("FACERELAY_LOG_LEVEL"); v != "" {
		cfg.Client.LogLevel = v
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Client: ClientConfig{
			ServerURL:   DefaultServerURL,
			Path:        DefaultPath,
			BufferSize:  DefaultBufferSize,
			DialTimeout: DefaultDialTimeout,
			LogLevel:    DefaultLogLevel,
		},
	}
}

func validate(cfg *Config) error {
	c := cfg.Client
	if _, err := c.WebsocketURL(); err != nil {
		return err
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("client.buffer_size must be >= 1, got %d", c.BufferSize)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("client.dial_timeout must be positive, got %v", c.DialTimeout)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("client.log_level %q is not one of debug|info|warn|error", c.LogLevel)
	}
	return nil
}
