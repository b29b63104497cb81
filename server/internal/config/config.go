package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort       = 7777
	DefaultPath           = "/socket.io/"
	DefaultCORSOrigin     = "*"
	DefaultPingInterval   = 25 * time.Second
	DefaultPingTimeout    = 20 * time.Second
	DefaultUpgradeTimeout = 10 * time.Second
	DefaultMaxPayload     = 1_000_000
	DefaultSendQueue      = 256
	DefaultSubject        = "facerelay.events"
	DefaultLogLevel       = "info"
	DefaultService        = "facerelay-server"
)

// Config is the relay server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	EngineIO EngineIOConfig `yaml:"engineio"`
	Relay    RelayConfig    `yaml:"relay"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// HTTPPort serves Socket.IO, the admin API and /metrics.
	HTTPPort int `yaml:"http_port"`

	// GRPCPort serves the gRPC health service. 0 disables it.
	GRPCPort int `yaml:"grpc_port"`

	// Path is where the Socket.IO endpoint is mounted.
	Path string `yaml:"path"`

	// CORSOrigin is sent as Access-Control-Allow-Origin. Empty disables CORS headers.
	CORSOrigin string `yaml:"cors_origin"`

	// AllowEIO3 accepts legacy Engine.IO v3 clients.
	AllowEIO3 bool `yaml:"allow_eio3"`
}

// EngineIOConfig tunes the transport.
type EngineIOConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	UpgradeTimeout time.Duration `yaml:"upgrade_timeout"`
	MaxPayload     int64         `yaml:"max_payload"`

	// SendQueue is the per-connection outbound queue depth. A connection
	// whose queue is full is evicted.
	SendQueue int `yaml:"send_queue"`
}

// RelayConfig controls broadcast semantics.
type RelayConfig struct {
	// EchoToSender delivers each event back to its origin as well.
	EchoToSender bool `yaml:"echo_to_sender"`
}

// ClusterConfig enables the NATS bridge between relay nodes.
type ClusterConfig struct {
	// NATSURL empty disables clustering.
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// Enabled reports whether the cluster bridge should run.
func (c ClusterConfig) Enabled() bool { return c.NATSURL != "" }

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:   DefaultHTTPPort,
			Path:       DefaultPath,
			CORSOrigin: DefaultCORSOrigin,
			AllowEIO3:  true,
		},
		EngineIO: EngineIOConfig{
			PingInterval:   DefaultPingInterval,
			PingTimeout:    DefaultPingTimeout,
			UpgradeTimeout: DefaultUpgradeTimeout,
			MaxPayload:     DefaultMaxPayload,
			SendQueue:      DefaultSendQueue,
		},
		Relay:   RelayConfig{EchoToSender: true},
		Cluster: ClusterConfig{Subject: DefaultSubject},
		Logging: LoggingConfig{Level: DefaultLogLevel, Service: DefaultService},
	}
}

// Load returns the configuration using the hierarchy defaults < YAML < ENV.
// The YAML file is optional: an empty path or a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(cfg, path); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	loadEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// loadEnv overlays FACERELAY_* environment variables onto cfg.
// Only non-empty, parseable values override the current config.
func loadEnv(cfg *Config) {
	setInt(&cfg.Server.HTTPPort, "FACERELAY_HTTP_PORT")
	setInt(&cfg.Server.GRPCPort, "FACERELAY_GRPC_PORT")
	setString(&cfg.Server.Path, "FACERELAY_PATH")
	setString(&cfg.Server.CORSOrigin, "FACERELAY_CORS_ORIGIN")
	setBool(&cfg.Server.AllowEIO3, "FACERELAY_ALLOW_EIO3")

	setDuration(&cfg.EngineIO.PingInterval, "FACERELAY_PING_INTERVAL")
	setDuration(&cfg.EngineIO.PingTimeout, "FACERELAY_PING_TIMEOUT")
	setDuration(&cfg.EngineIO.UpgradeTimeout, "FACERELAY_UPGRADE_TIMEOUT")
	setInt64(&cfg.EngineIO.MaxPayload, "FACERELAY_MAX_PAYLOAD")
	setInt(&cfg.EngineIO.SendQueue, "FACERELAY_SEND_QUEUE")

	setBool(&cfg.Relay.EchoToSender, "FACERELAY_ECHO_TO_SENDER")

	setString(&cfg.Cluster.NATSURL, "NATS_URL")
	setString(&cfg.Cluster.Subject, "FACERELAY_CLUSTER_SUBJECT")

	setString(&cfg.Logging.Level, "FACERELAY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "FACERELAY_LOG_SERVICE")
}

// validate checks structural constraints on the merged configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", cfg.Server.GRPCPort)
	}
	if cfg.Server.GRPCPort != 0 && cfg.Server.GRPCPort == cfg.Server.HTTPPort {
		return fmt.Errorf("server.grpc_port must differ from server.http_port")
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		return fmt.Errorf("server.path %q must start with /", cfg.Server.Path)
	}
	if cfg.EngineIO.PingInterval <= 0 || cfg.EngineIO.PingTimeout <= 0 {
		return errors.New("engineio.ping_interval and engineio.ping_timeout must be positive")
	}
	if cfg.EngineIO.UpgradeTimeout <= 0 {
		return errors.New("engineio.upgrade_timeout must be positive")
	}
	if cfg.EngineIO.MaxPayload < 1 {
		return errors.New("engineio.max_payload must be >= 1")
	}
	if cfg.EngineIO.SendQueue < 1 {
		return errors.New("engineio.send_queue must be >= 1")
	}
	if cfg.Cluster.Enabled() && cfg.Cluster.Subject == "" {
		return errors.New("cluster.subject is required when cluster.nats_url is set")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q unknown: want debug|info|warn|error", cfg.Logging.Level)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
