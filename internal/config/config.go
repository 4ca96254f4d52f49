// Package config handles CLI, TOML and default configuration merging and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/idna"
)

// DefaultListenAddr is the proxy listen address used when none is configured.
const DefaultListenAddr = "127.0.0.1:3001"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/authproxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	UpstreamURL        string `kong:"arg,optional,name='upstream-url',help='Remote URL to proxy to.',env='UPSTREAM_URL'"`
	Config             string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	ListenAddr         string `kong:"short='L',help='Socket address to listen on (default 127.0.0.1:3001).',env='LISTEN_ADDR'"`
	Username           string `kong:"help='Target host username.',env='UPSTREAM_USERNAME'"`
	Password           string `kong:"help='Target host password (used only with --username).',env='UPSTREAM_PASSWORD'"`
	InsecureSkipVerify bool   `kong:"help='Skip upstream TLS certificate verification. Never use in production.'"`
	LogLevel           string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener settings.
type ServerConfig struct {
	ListenAddr    string          `toml:"listen_addr"`
	ProxyProtocol bool            `toml:"proxy_protocol"`
	BodyMaxBytes  int64           `toml:"body_max_bytes"` // 0 disables the limit
	RateLimit     RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds the fixed upstream origin and how to reach it.
type UpstreamConfig struct {
	URL                string `toml:"url"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	TimeoutSeconds     int    `toml:"timeout_seconds"` // response header timeout; 0 waits forever
	IdleConnections    int    `toml:"idle_connections"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CAFile             string `toml:"ca_file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds the health, status and metrics listener settings.
// It listens separately so that no proxied path is shadowed.
type AdminConfig struct {
	Enabled     bool   `toml:"enabled"`
	Addr        string `toml:"addr"`
	MetricsPath string `toml:"metrics_path"`
}

// adminRoutes are served by the admin listener and cannot host metrics.
var adminRoutes = []string{"/healthz", "/proxy/status"}

// Load merges the optional TOML config file with CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/authproxy/config.toml then configs/config.toml; a missing file is not
// an error because the CLI alone is a complete configuration.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.UpstreamURL != "" {
		c.Upstream.URL = cli.UpstreamURL
	}
	if cli.ListenAddr != "" {
		c.Server.ListenAddr = cli.ListenAddr
	}
	if cli.Username != "" {
		c.Upstream.Username = cli.Username
	}
	if cli.Password != "" {
		c.Upstream.Password = cli.Password
	}
	if cli.InsecureSkipVerify {
		c.Upstream.InsecureSkipVerify = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:9091"
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = "/metrics"
	}
}

func (c *Config) validate() error {
	if err := validation.ValidateStruct(&c.Upstream,
		validation.Field(&c.Upstream.URL, validation.Required, validation.By(validateUpstreamURL)),
		validation.Field(&c.Upstream.TimeoutSeconds, validation.Min(0)),
		validation.Field(&c.Upstream.IdleConnections, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.ListenAddr, validation.Required, validation.By(validateHostPort)),
		validation.Field(&c.Server.BodyMaxBytes, validation.Min(int64(0))),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Log.Format, validation.In("json", "text")),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	// Admin listener validation (only when enabled).
	if !c.Admin.Enabled {
		return nil
	}
	if err := validation.ValidateStruct(&c.Admin,
		validation.Field(&c.Admin.Addr, validation.Required, validation.By(validateHostPort)),
	); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if c.Admin.Addr == c.Server.ListenAddr {
		return fmt.Errorf("admin.addr %q conflicts with server.listen_addr", c.Admin.Addr)
	}
	p := c.Admin.MetricsPath
	if p[0] != '/' {
		return fmt.Errorf("admin.metrics_path must start with '/'; got %q", p)
	}
	for _, reserved := range adminRoutes {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("admin.metrics_path %q conflicts with reserved route %q", p, reserved)
		}
	}

	return nil
}

// Target parses the upstream URL into the fixed forwarding origin.
// The host is lowercased and converted to its ASCII (punycode) form.
func (u *UpstreamConfig) Target() (*url.URL, error) {
	target, err := url.Parse(u.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream url must use http or https; got %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, errors.New("upstream url must have a host")
	}
	if target.User != nil {
		return nil, errors.New("upstream url must not embed credentials; use --username and --password")
	}

	host := strings.ToLower(target.Hostname())
	if net.ParseIP(host) == nil {
		ascii, err := idna.ToASCII(host)
		if err != nil {
			return nil, fmt.Errorf("upstream host %q: %w", host, err)
		}
		if port := target.Port(); port != "" {
			target.Host = net.JoinHostPort(ascii, port)
		} else {
			target.Host = ascii
		}
	}

	return target, nil
}

func validateUpstreamURL(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	u := UpstreamConfig{URL: raw}
	if _, err := u.Target(); err != nil {
		return validation.NewError("validation_invalid_upstream", err.Error())
	}
	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
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

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 && c.Upstream.Password != "" {
		logger.Warn("config file holds a password and is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnUnsafe logs settings that weaken the proxy's guarantees.
func (c *Config) WarnUnsafe(logger *slog.Logger) {
	if c.Upstream.InsecureSkipVerify {
		logger.Warn("upstream TLS certificate verification is disabled")
	}
	if c.Upstream.Username == "" && c.Upstream.Password != "" {
		logger.Warn("upstream password is set without a username and will be ignored")
	}
}
