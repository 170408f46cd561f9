package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		Server   ServerConfig   `yaml:"server"`
		DB       DBConfig       `yaml:"db"`
		Logger   LoggerConfig   `yaml:"logger"`
		Metrics  MetricsConfig  `yaml:"metrics"`
		Presence PresenceConfig `yaml:"presence"`
		Client   ClientConfig   `yaml:"client"`
	}

	// ServerConfig controls the relay listener and its per-connection limits.
	ServerConfig struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		IdleTimeout      time.Duration `yaml:"idle_timeout"` // 0 disables
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		MaxFrameSize     int           `yaml:"max_frame_size"`
		RateLimit        float64       `yaml:"rate_limit"` // requests per second per connection, 0 disables
		RateBurst        int           `yaml:"rate_burst"`
		ControlSocket    string        `yaml:"control_socket"`
	}

	DBConfig struct {
		Path string `yaml:"path"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`
		Color      bool   `yaml:"color"`
		Stacktrace bool   `yaml:"stacktrace"`
		TimeZone   string `yaml:"time_zone"`
		TimeFormat string `yaml:"time_format"`
	}

	MetricsConfig struct {
		Addr      string    `yaml:"addr"` // empty disables the /metrics endpoint
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	PresenceConfig struct {
		Type  string              `yaml:"type"` // "none" or "redis"
		Redis PresenceRedisConfig `yaml:"redis"`
	}

	PresenceRedisConfig struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
		Channel  string `yaml:"channel"`
	}

	ClientConfig struct {
		Addr            string        `yaml:"addr"`
		ConnectAttempts int           `yaml:"connect_attempts"`
		RetryDelay      time.Duration `yaml:"retry_delay"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
	}
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             7777,
			IdleTimeout:      0,
			WriteTimeout:     5 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			MaxFrameSize:     1 << 20,
			RateBurst:        20,
			ControlSocket:    "/tmp/chatrelay.sock",
		},
		DB: DBConfig{Path: "chatrelay.db"},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Namespace: "chatrelay",
		},
		Presence: PresenceConfig{
			Type: "none",
			Redis: PresenceRedisConfig{
				Addr:    "localhost:6379",
				Prefix:  "chatrelay:",
				Channel: "chatrelay:presence",
			},
		},
		Client: ClientConfig{
			Addr:            "localhost:7777",
			ConnectAttempts: 5,
			RetryDelay:      time.Second,
			RequestTimeout:  10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env file
// in the working directory and CHATRELAY_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATRELAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if port, ok := envInt("CHATRELAY_PORT"); ok {
		cfg.Server.Port = port
	}
	if d, ok := envDuration("CHATRELAY_IDLE_TIMEOUT"); ok {
		cfg.Server.IdleTimeout = d
	}
	if d, ok := envDuration("CHATRELAY_WRITE_TIMEOUT"); ok {
		cfg.Server.WriteTimeout = d
	}
	if d, ok := envDuration("CHATRELAY_HANDSHAKE_TIMEOUT"); ok {
		cfg.Server.HandshakeTimeout = d
	}
	if v := os.Getenv("CHATRELAY_CONTROL_SOCKET"); v != "" {
		cfg.Server.ControlSocket = v
	}
	if v := os.Getenv("CHATRELAY_DB_PATH"); v != "" {
		cfg.DB.Path = v
	}
	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATRELAY_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("CHATRELAY_PRESENCE"); v != "" {
		cfg.Presence.Type = v
	}
	if v := os.Getenv("CHATRELAY_REDIS_ADDR"); v != "" {
		cfg.Presence.Redis.Addr = v
	}
	if v := os.Getenv("CHATRELAY_REDIS_PASSWORD"); v != "" {
		cfg.Presence.Redis.Password = v
	}
	if v := os.Getenv("CHATRELAY_SERVER_ADDR"); v != "" {
		cfg.Client.Addr = v
	}
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envDuration accepts Go durations ("5s") or plain seconds ("5").
func envDuration(key string) (time.Duration, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Validate rejects configurations the server or client cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.WriteTimeout <= 0 {
		return errors.New("server.write_timeout must be positive")
	}
	if c.Server.HandshakeTimeout <= 0 {
		return errors.New("server.handshake_timeout must be positive")
	}
	if c.Server.MaxFrameSize <= 0 {
		return errors.New("server.max_frame_size must be positive")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	switch c.Presence.Type {
	case "", "none", "redis":
	default:
		return fmt.Errorf("unsupported presence type: %s", c.Presence.Type)
	}
	if c.Client.ConnectAttempts <= 0 {
		return errors.New("client.connect_attempts must be positive")
	}
	if c.Client.RequestTimeout <= 0 {
		return errors.New("client.request_timeout must be positive")
	}
	return nil
}

// ListenAddr returns host:port for the relay listener.
func (s ServerConfig) ListenAddr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}
