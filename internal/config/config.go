// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `toml:"log_level"`
	Client    ClientConfig    `toml:"client"`
	Bridge    BridgeConfig    `toml:"bridge"`
	DevServer DevServerConfig `toml:"devserver"`
}

// ClientConfig controls how the consultation service is reached.
type ClientConfig struct {
	BaseURL       string        `toml:"base_url"`
	APIToken      string        `toml:"api_token"`
	StreamTimeout time.Duration `toml:"stream_timeout"`
	HTTPRetries   int           `toml:"http_retries"`
}

// BridgeConfig controls the local view-model WebSocket server.
type BridgeConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DevServerConfig controls the local development backend.
type DevServerConfig struct {
	Port            string        `toml:"port"`
	DBPath          string        `toml:"db_path"`
	ArchiveAfter    time.Duration `toml:"archive_after"`
	ArchiveSchedule string        `toml:"archive_schedule"`
	// RateLimit is the number of chat requests allowed per user per minute.
	RateLimit    int           `toml:"rate_limit"`
	ChunkDelay   time.Duration `toml:"chunk_delay"`
	MaxBodyBytes int64         `toml:"max_body_bytes"`
	Keepalive    time.Duration `toml:"keepalive"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Client: ClientConfig{
			BaseURL:       "http://localhost:8080",
			StreamTimeout: 120 * time.Second,
			HTTPRetries:   3,
		},
		Bridge: BridgeConfig{
			Addr:           "127.0.0.1:8090",
			AllowedOrigins: []string{"localhost:*", "127.0.0.1:*"},
		},
		DevServer: DevServerConfig{
			Port:            "8080",
			DBPath:          "./data/consult.db",
			ArchiveAfter:    720 * time.Hour,
			ArchiveSchedule: "@every 10m",
			RateLimit:       10,
			ChunkDelay:      40 * time.Millisecond,
			MaxBodyBytes:    1 << 20,
			Keepalive:       15 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, then the optional TOML file at path,
// then environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWithDefaults(path, Default())
}

// LoadWithDefaults is Load with caller-supplied defaults, which the file and the
// environment then override. cfg is modified in place.
func LoadWithDefaults(path string, cfg *Config) (*Config, error) {
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("decode config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("CONSULT_LOG_LEVEL", c.LogLevel)

	c.Client.BaseURL = getEnv("CONSULT_BASE_URL", c.Client.BaseURL)
	c.Client.APIToken = getEnv("CONSULT_API_TOKEN", c.Client.APIToken)
	c.Client.StreamTimeout = getEnvDuration("CONSULT_STREAM_TIMEOUT", c.Client.StreamTimeout)
	c.Client.HTTPRetries = getEnvInt("CONSULT_HTTP_RETRIES", c.Client.HTTPRetries)

	c.Bridge.Addr = getEnv("CONSULT_BRIDGE_ADDR", c.Bridge.Addr)
	c.Bridge.AllowedOrigins = getEnvList("CONSULT_ALLOWED_ORIGINS", c.Bridge.AllowedOrigins)

	c.DevServer.Port = getEnv("DEVSERVER_PORT", c.DevServer.Port)
	c.DevServer.DBPath = getEnv("DEVSERVER_DB_PATH", c.DevServer.DBPath)
	c.DevServer.ArchiveAfter = getEnvDuration("DEVSERVER_ARCHIVE_AFTER", c.DevServer.ArchiveAfter)
	c.DevServer.ArchiveSchedule = getEnv("DEVSERVER_ARCHIVE_SCHEDULE", c.DevServer.ArchiveSchedule)
	c.DevServer.RateLimit = getEnvInt("DEVSERVER_RATE_LIMIT", c.DevServer.RateLimit)
	c.DevServer.ChunkDelay = getEnvDuration("DEVSERVER_CHUNK_DELAY", c.DevServer.ChunkDelay)
	c.DevServer.MaxBodyBytes = int64(getEnvInt("DEVSERVER_MAX_BODY_BYTES", int(c.DevServer.MaxBodyBytes)))
	c.DevServer.Keepalive = getEnvDuration("DEVSERVER_KEEPALIVE", c.DevServer.Keepalive)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Client.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CONSULT_BASE_URL must be an absolute http(s) URL, got %q", c.Client.BaseURL)
	}
	if c.Client.StreamTimeout <= 0 {
		return fmt.Errorf("CONSULT_STREAM_TIMEOUT must be > 0")
	}
	if c.Client.HTTPRetries < 0 {
		return fmt.Errorf("CONSULT_HTTP_RETRIES must be >= 0")
	}
	if c.Bridge.Addr == "" {
		return fmt.Errorf("CONSULT_BRIDGE_ADDR cannot be empty")
	}
	if c.DevServer.Port == "" {
		return fmt.Errorf("DEVSERVER_PORT cannot be empty")
	}
	if c.DevServer.DBPath == "" {
		return fmt.Errorf("DEVSERVER_DB_PATH cannot be empty")
	}
	if c.DevServer.ArchiveAfter <= 0 {
		return fmt.Errorf("DEVSERVER_ARCHIVE_AFTER must be > 0")
	}
	if _, err := cron.ParseStandard(c.DevServer.ArchiveSchedule); err != nil {
		return fmt.Errorf("DEVSERVER_ARCHIVE_SCHEDULE: %w", err)
	}
	if c.DevServer.RateLimit <= 0 {
		return fmt.Errorf("DEVSERVER_RATE_LIMIT must be > 0")
	}
	if c.DevServer.ChunkDelay < 0 {
		return fmt.Errorf("DEVSERVER_CHUNK_DELAY must be >= 0")
	}
	if c.DevServer.MaxBodyBytes <= 0 {
		return fmt.Errorf("DEVSERVER_MAX_BODY_BYTES must be > 0")
	}
	if c.DevServer.Keepalive <= 0 {
		return fmt.Errorf("DEVSERVER_KEEPALIVE must be > 0")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
