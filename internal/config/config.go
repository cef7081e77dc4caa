// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ble-http-gateway/config.toml",
	"configs/config.toml",
}

// Channel layouts.
const (
	LayoutSplit    = "split"
	LayoutCombined = "combined"
)

// Notify policies.
const (
	NotifyAny   = "any"
	NotifyOn200 = "200"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Status server listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Status server listen port (overrides config).',env='PORT'"`
	Layout   string `kong:"help='Characteristic layout: split|combined (overrides config).',env='GATEWAY_LAYOUT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Gateway GatewayConfig `toml:"gateway"`
	Session SessionConfig `toml:"session"`
	Forward ForwardConfig `toml:"forward"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the status/emulator HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	Emulator     bool            `toml:"emulator"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// GatewayConfig describes the GATT surface the gateway exposes.
type GatewayConfig struct {
	DeviceName            string `toml:"device_name"`
	Layout                string `toml:"layout"`
	DefaultScheme         string `toml:"default_scheme"`
	MarkerUUID            string `toml:"marker_uuid"`
	AdvertisingIntervalMs int    `toml:"advertising_interval_ms"`
	MultiRole             *bool  `toml:"multi_role"` // nil means true
	MTU                   int    `toml:"mtu"`
}

// SessionConfig bounds a peer association.
type SessionConfig struct {
	TimeoutMs int `toml:"timeout_ms"`
}

// ForwardConfig holds outbound request settings.
type ForwardConfig struct {
	NotifyPolicy    string          `toml:"notify_policy"`
	TimeoutSeconds  int             `toml:"timeout_seconds"`
	IdleConnections int             `toml:"idle_connections"`
	UserAgent       string          `toml:"user_agent"`
	MaxBodyBytes    int64           `toml:"max_body_bytes"`
	RateLimit       RateLimitConfig `toml:"rate_limit"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/ble-http-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// Parse decodes TOML without validation or defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Layout != "" {
		c.Gateway.Layout = cli.Layout
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Gateway.Layout) {
	case LayoutSplit, LayoutCombined, "":
	default:
		return fmt.Errorf("gateway.layout must be one of: split, combined; got %q", c.Gateway.Layout)
	}
	switch strings.ToLower(c.Gateway.DefaultScheme) {
	case "http", "https", "":
	default:
		return fmt.Errorf("gateway.default_scheme must be http or https; got %q", c.Gateway.DefaultScheme)
	}
	if c.Gateway.MarkerUUID != "" {
		if _, err := uuid.Parse(c.Gateway.MarkerUUID); err != nil {
			return fmt.Errorf("gateway.marker_uuid is not a valid UUID: %w", err)
		}
	}
	if c.Gateway.AdvertisingIntervalMs < 0 {
		return fmt.Errorf("gateway.advertising_interval_ms must be non-negative; got %d", c.Gateway.AdvertisingIntervalMs)
	}
	if c.Gateway.MTU != 0 && (c.Gateway.MTU < 23 || c.Gateway.MTU > 517) {
		return fmt.Errorf("gateway.mtu must be 23–517; got %d", c.Gateway.MTU)
	}

	if c.Session.TimeoutMs < 0 {
		return fmt.Errorf("session.timeout_ms must be non-negative; got %d", c.Session.TimeoutMs)
	}

	switch strings.ToLower(c.Forward.NotifyPolicy) {
	case NotifyAny, NotifyOn200, "":
	default:
		return fmt.Errorf("forward.notify_policy must be one of: any, 200; got %q", c.Forward.NotifyPolicy)
	}
	if c.Forward.TimeoutSeconds < 0 {
		return fmt.Errorf("forward.timeout_seconds must be non-negative; got %d", c.Forward.TimeoutSeconds)
	}
	if c.Forward.IdleConnections < 0 {
		return fmt.Errorf("forward.idle_connections must be non-negative; got %d", c.Forward.IdleConnections)
	}
	if c.Forward.MaxBodyBytes < 0 {
		return fmt.Errorf("forward.max_body_bytes must be non-negative; got %d", c.Forward.MaxBodyBytes)
	}
	if c.Forward.RateLimit.Enabled && c.Forward.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("forward.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Forward.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/gateway", "/emulator"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// Layout-dependent values (marker, scheme, notify policy) follow the
// behavior of the corresponding reference gateway.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 1
	}

	c.Gateway.Layout = strings.ToLower(c.Gateway.Layout)
	if c.Gateway.Layout == "" {
		c.Gateway.Layout = LayoutSplit
	}
	if c.Gateway.DeviceName == "" {
		c.Gateway.DeviceName = "http-gateway"
	}
	if c.Gateway.DefaultScheme == "" {
		c.Gateway.DefaultScheme = "https"
	}
	c.Gateway.DefaultScheme = strings.ToLower(c.Gateway.DefaultScheme)
	if c.Gateway.MarkerUUID == "" {
		if c.Gateway.Layout == LayoutCombined {
			c.Gateway.MarkerUUID = "16ba0005-cf44-461e-b889-4f9a90f6b330"
		} else {
			c.Gateway.MarkerUUID = "16ba0006-cf44-461e-b889-4f9a90f6b330"
		}
	}
	if c.Gateway.AdvertisingIntervalMs == 0 {
		c.Gateway.AdvertisingIntervalMs = 1000
	}
	if c.Gateway.MTU == 0 {
		c.Gateway.MTU = 23
	}
	if c.Gateway.MultiRole == nil {
		multiRole := true
		c.Gateway.MultiRole = &multiRole
	}

	if c.Session.TimeoutMs == 0 {
		c.Session.TimeoutMs = 5000
	}

	c.Forward.NotifyPolicy = strings.ToLower(c.Forward.NotifyPolicy)
	if c.Forward.NotifyPolicy == "" {
		if c.Gateway.Layout == LayoutCombined {
			c.Forward.NotifyPolicy = NotifyOn200
		} else {
			c.Forward.NotifyPolicy = NotifyAny
		}
	}
	if c.Forward.TimeoutSeconds == 0 {
		c.Forward.TimeoutSeconds = 30
	}
	if c.Forward.IdleConnections == 0 {
		c.Forward.IdleConnections = 4
	}
	if c.Forward.UserAgent == "" {
		c.Forward.UserAgent = "ble-http-gateway/1.0"
	}
	if c.Forward.MaxBodyBytes == 0 {
		c.Forward.MaxBodyBytes = 1024 * 1024 // 1 MB
	}
	if c.Forward.RateLimit.Burst == 0 {
		c.Forward.RateLimit.Burst = 1
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the association lifetime.
func (c *SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// AdvertisingInterval returns the advertising interval as a duration.
func (c *GatewayConfig) AdvertisingInterval() time.Duration {
	return time.Duration(c.AdvertisingIntervalMs) * time.Millisecond
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
