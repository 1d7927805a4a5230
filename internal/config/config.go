// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"csrf-shim-go/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/csrf-shim/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the admin server itself.
var reservedRoutes = []string{"/healthz", "/shim/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Admin listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Admin listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig     `toml:"server"`
	Shim    ShimConfig       `toml:"shim"`
	Pages   []model.PageConf `toml:"pages"`
	Log     LogConfig        `toml:"log"`
	Metrics MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (9090)
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the admin server.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ShimConfig selects the optional per-stream state and buffer limits.
type ShimConfig struct {
	SessionTracking    bool `toml:"session_tracking"`
	HeadersTracking    bool `toml:"headers_tracking"`
	CSRFProtection     bool `toml:"csrf_protection"`
	BufferInitialBytes int  `toml:"buffer_initial_bytes"`
	BufferMaxBytes     int  `toml:"buffer_max_bytes"` // 0 means unbounded
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
// /etc/csrf-shim/config.toml then configs/config.toml.
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

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Buffer limits.
	if c.Shim.BufferInitialBytes < 0 {
		return fmt.Errorf("shim.buffer_initial_bytes must be non-negative; got %d", c.Shim.BufferInitialBytes)
	}
	if c.Shim.BufferMaxBytes < 0 {
		return fmt.Errorf("shim.buffer_max_bytes must be non-negative; got %d", c.Shim.BufferMaxBytes)
	}
	if c.Shim.BufferMaxBytes > 0 && c.Shim.BufferInitialBytes > c.Shim.BufferMaxBytes {
		return fmt.Errorf("shim.buffer_initial_bytes (%d) exceeds shim.buffer_max_bytes (%d)", c.Shim.BufferInitialBytes, c.Shim.BufferMaxBytes)
	}

	// Protected pages.
	seen := make(map[string]bool, len(c.Pages))
	for i, p := range c.Pages {
		if p.URL == "" || p.URL[0] != '/' {
			return fmt.Errorf("pages[%d].url must start with '/'; got %q", i, p.URL)
		}
		if seen[p.URL] {
			return fmt.Errorf("pages[%d].url %q is configured twice", i, p.URL)
		}
		seen[p.URL] = true
		if p.MaxParamLen < 0 {
			return fmt.Errorf("pages[%d].max_param_len must be non-negative; got %d", i, p.MaxParamLen)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9090
	}
	if c.Shim.BufferInitialBytes == 0 {
		c.Shim.BufferInitialBytes = 2048
		if c.Shim.BufferMaxBytes > 0 && c.Shim.BufferMaxBytes < 2048 {
			c.Shim.BufferInitialBytes = c.Shim.BufferMaxBytes
		}
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

// Page returns the protected page configured for url, matched exactly.
func (c *Config) Page(url string) (*model.PageConf, bool) {
	for i := range c.Pages {
		if c.Pages[i].URL == url {
			return &c.Pages[i], true
		}
	}
	return nil, false
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

// Addr returns the admin listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
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
