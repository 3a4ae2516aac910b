package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete shareonce configuration.
// Values come from an optional HCL config file, overridden by environment
// variables.
type Configuration struct {
	ConfigPath string // Directory containing config file, history db and monitor state
	Verbose    int    // Verbosity level

	ListenAddr string // Control API listen address
	BaseURL    string // External base URL of the control API

	LibraryRoot   string // Read-only root of shareable files
	StagingRoot   string // Directory for per-tunnel file references
	AccessLogPath string // Static server access log to tail

	StateStoreURL string // Redis URL, e.g. redis://localhost:6379
	JWTSecret     string // HMAC secret for capability tokens, >= 32 bytes

	MaxTunnelSeconds    int // Upper bound on tunnel lifetime
	StallTimeoutSeconds int // Idle threshold for stall detection
	GracePeriodSeconds  int // Post-completion retention of the public route

	TickSeconds int // Monitor trigger tick interval

	// Command used to invoke the edge provider CLI. The first element is the
	// binary, the rest are prepended arguments. Supports wrapped invocations
	// like ["docker", "exec", "tailscale-tunnel", "tailscale"].
	EdgeCommand []string
}

// HCL parsing struct

type hclConfig struct {
	Verbose             int      `hcl:"verbose,optional"`
	ListenAddr          string   `hcl:"listen_addr,optional"`
	BaseURL             string   `hcl:"base_url,optional"`
	LibraryRoot         string   `hcl:"library_root,optional"`
	StagingRoot         string   `hcl:"staging_root,optional"`
	AccessLogPath       string   `hcl:"access_log_path,optional"`
	StateStoreURL       string   `hcl:"state_store_url,optional"`
	JWTSecret           string   `hcl:"jwt_secret,optional"`
	MaxTunnelSeconds    int      `hcl:"max_tunnel_seconds,optional"`
	StallTimeoutSeconds int      `hcl:"stall_timeout_seconds,optional"`
	GracePeriodSeconds  int      `hcl:"grace_period_seconds,optional"`
	TickSeconds         int      `hcl:"tick_seconds,optional"`
	EdgeCommand         []string `hcl:"edge_command,optional"`
}

// Environment variable overrides. These take precedence over file values.
var envOverrides = map[string]func(*Configuration, string) error{
	"LISTEN_ADDR":           func(c *Configuration, v string) error { c.ListenAddr = v; return nil },
	"BASE_URL":              func(c *Configuration, v string) error { c.BaseURL = v; return nil },
	"LIBRARY_ROOT":          func(c *Configuration, v string) error { c.LibraryRoot = v; return nil },
	"STAGING_ROOT":          func(c *Configuration, v string) error { c.StagingRoot = v; return nil },
	"ACCESS_LOG_PATH":       func(c *Configuration, v string) error { c.AccessLogPath = v; return nil },
	"STATE_STORE_URL":       func(c *Configuration, v string) error { c.StateStoreURL = v; return nil },
	"JWT_SECRET":            func(c *Configuration, v string) error { c.JWTSecret = v; return nil },
	"MAX_TUNNEL_SECONDS":    setIntField(func(c *Configuration, n int) { c.MaxTunnelSeconds = n }),
	"STALL_TIMEOUT_SECONDS": setIntField(func(c *Configuration, n int) { c.StallTimeoutSeconds = n }),
	"GRACE_PERIOD_SECONDS":  setIntField(func(c *Configuration, n int) { c.GracePeriodSeconds = n }),
}

func setIntField(set func(*Configuration, int)) func(*Configuration, string) error {
	return func(c *Configuration, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		set(c, n)
		return nil
	}
}

// LoadConfig loads the configuration from configPath/config.hcl (if present)
// and applies environment variable overrides and defaults.
func LoadConfig(configPath string) (*Configuration, error) {
	cfg := &Configuration{ConfigPath: configPath}

	configFile := filepath.Join(configPath, "config.hcl")
	if _, err := os.Stat(configFile); err == nil {
		var hclCfg hclConfig
		if err := hclsimple.DecodeFile(configFile, nil, &hclCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.Verbose = hclCfg.Verbose
		cfg.ListenAddr = hclCfg.ListenAddr
		cfg.BaseURL = hclCfg.BaseURL
		cfg.LibraryRoot = hclCfg.LibraryRoot
		cfg.StagingRoot = hclCfg.StagingRoot
		cfg.AccessLogPath = hclCfg.AccessLogPath
		cfg.StateStoreURL = hclCfg.StateStoreURL
		cfg.JWTSecret = hclCfg.JWTSecret
		cfg.MaxTunnelSeconds = hclCfg.MaxTunnelSeconds
		cfg.StallTimeoutSeconds = hclCfg.StallTimeoutSeconds
		cfg.GracePeriodSeconds = hclCfg.GracePeriodSeconds
		cfg.TickSeconds = hclCfg.TickSeconds
		cfg.EdgeCommand = hclCfg.EdgeCommand
	}

	for name, apply := range envOverrides {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if err := apply(cfg, v); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Configuration) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8000"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://" + c.ListenAddr
	}
	if c.LibraryRoot == "" {
		c.LibraryRoot = "/data"
	}
	if c.StagingRoot == "" {
		c.StagingRoot = "/tunnels"
	}
	if c.AccessLogPath == "" {
		c.AccessLogPath = "/var/log/nginx/access.log"
	}
	if c.StateStoreURL == "" {
		c.StateStoreURL = "redis://localhost:6379"
	}
	if c.MaxTunnelSeconds <= 0 {
		c.MaxTunnelSeconds = 3600
	}
	if c.StallTimeoutSeconds <= 0 {
		c.StallTimeoutSeconds = 300
	}
	if c.GracePeriodSeconds <= 0 {
		c.GracePeriodSeconds = 3600
	}
	// The trigger tick must fire at least every 5 seconds
	if c.TickSeconds <= 0 || c.TickSeconds > 5 {
		c.TickSeconds = 5
	}
	if len(c.EdgeCommand) == 0 {
		c.EdgeCommand = []string{"tailscale"}
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Configuration) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
	}
	if !strings.HasPrefix(c.StateStoreURL, "redis://") && !strings.HasPrefix(c.StateStoreURL, "rediss://") {
		return fmt.Errorf("STATE_STORE_URL must be a redis:// URL, got %q", c.StateStoreURL)
	}
	if fi, err := os.Stat(c.LibraryRoot); err != nil || !fi.IsDir() {
		return fmt.Errorf("LIBRARY_ROOT %q is not a directory", c.LibraryRoot)
	}
	return nil
}

// MaxTunnelLifetime returns MaxTunnelSeconds as a duration.
func (c *Configuration) MaxTunnelLifetime() time.Duration {
	return time.Duration(c.MaxTunnelSeconds) * time.Second
}

// StallTimeout returns StallTimeoutSeconds as a duration.
func (c *Configuration) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// GracePeriod returns GracePeriodSeconds as a duration.
func (c *Configuration) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// TickInterval returns TickSeconds as a duration.
func (c *Configuration) TickInterval() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}
