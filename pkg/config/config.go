// Package config holds process-wide settings decoded from AUTHKEEPER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/rs/zerolog"
)

// Session blob backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the process configuration. Defaults live in the struct tags.
type Config struct {
	// DataDir holds session blobs and the accounts database. Defaults to
	// ~/.authkeeper.
	DataDir       string `env:"AUTHKEEPER_DATA_DIR"`
	EncryptionKey string `env:"AUTHKEEPER_ENCRYPTION_KEY"`
	// PlatformsFile overrides the embedded platform table.
	PlatformsFile string `env:"AUTHKEEPER_PLATFORMS_FILE"`

	StoreBackend   string `env:"AUTHKEEPER_STORE_BACKEND,default=file"`
	RedisAddr      string `env:"AUTHKEEPER_REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix string `env:"AUTHKEEPER_REDIS_KEY_PREFIX,default=authkeeper:"`
	AccountsDB     string `env:"AUTHKEEPER_ACCOUNTS_DB"`

	Headless bool `env:"AUTHKEEPER_HEADLESS,default=true"`
	// LoginHeadless applies to interactive login windows, which a human
	// must see.
	LoginHeadless bool `env:"AUTHKEEPER_LOGIN_HEADLESS,default=false"`
	// BrowserArgs are extra Chromium flags, separated by ';'.
	BrowserArgs []string `env:"AUTHKEEPER_BROWSER_ARGS"`
	MaxContexts int      `env:"AUTHKEEPER_MAX_CONTEXTS,default=8"`
	SkipInstall bool     `env:"AUTHKEEPER_SKIP_BROWSER_INSTALL,default=false"`

	LogDir   string `env:"AUTHKEEPER_LOG_DIR"`
	LogLevel string `env:"AUTHKEEPER_LOG_LEVEL,default=info"`

	LaunchTimeout            time.Duration `env:"AUTHKEEPER_LAUNCH_TIMEOUT,default=30s"`
	NavigationTimeout        time.Duration `env:"AUTHKEEPER_NAVIGATION_TIMEOUT,default=15s"`
	MonitorPollInterval      time.Duration `env:"AUTHKEEPER_MONITOR_POLL_INTERVAL,default=3s"`
	MonitorMaxWait           time.Duration `env:"AUTHKEEPER_MONITOR_MAX_WAIT,default=10m"`
	HeartbeatTimeout         time.Duration `env:"AUTHKEEPER_HEARTBEAT_TIMEOUT,default=60s"`
	HeartbeatSelectorTimeout time.Duration `env:"AUTHKEEPER_HEARTBEAT_SELECTOR_TIMEOUT,default=15s"`
	ScanNavigationTimeout    time.Duration `env:"AUTHKEEPER_SCAN_NAVIGATION_TIMEOUT,default=30s"`
	FlowTTL                  time.Duration `env:"AUTHKEEPER_FLOW_TTL,default=2h"`
}

var (
	// global is the process configuration set by Initialize
	global   *Config
	globalMu sync.Mutex
)

// Load decodes the environment and fills derived defaults. It does not
// validate.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolve() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".authkeeper")
	}
	if c.AccountsDB == "" {
		c.AccountsDB = filepath.Join(c.DataDir, "accounts.db")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.DataDir, "logs")
	}
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))

	args := c.BrowserArgs[:0]
	for _, a := range c.BrowserArgs {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	c.BrowserArgs = args
	return nil
}

// SessionDir is where the file backend keeps blobs.
func (c *Config) SessionDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// Validate checks the settings needed to run the service.
func (c *Config) Validate() error {
	var errs []error
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("AUTHKEEPER_ENCRYPTION_KEY is required"))
	}
	switch c.StoreBackend {
	case BackendFile, BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("AUTHKEEPER_REDIS_ADDR is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.MaxContexts < 0 {
		errs = append(errs, fmt.Errorf("max contexts must not be negative, got %d", c.MaxContexts))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}

	durations := map[string]time.Duration{
		"launch timeout":             c.LaunchTimeout,
		"navigation timeout":         c.NavigationTimeout,
		"monitor poll interval":      c.MonitorPollInterval,
		"monitor max wait":           c.MonitorMaxWait,
		"heartbeat timeout":          c.HeartbeatTimeout,
		"heartbeat selector timeout": c.HeartbeatSelectorTimeout,
		"scan navigation timeout":    c.ScanNavigationTimeout,
		"flow ttl":                   c.FlowTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MonitorPollInterval > c.MonitorMaxWait {
		errs = append(errs, errors.New("monitor poll interval exceeds monitor max wait"))
	}
	return errors.Join(errs...)
}

// Initialize loads and validates the environment and installs it as the
// global configuration.
func Initialize() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	global = cfg
	return nil
}

// Global returns the global configuration.
// Panics if Initialize has not been called.
func Global() *Config {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil {
		panic("config not initialized: call config.Initialize first")
	}
	return global
}

// IsInitialized returns true if the global configuration has been initialized.
func IsInitialized() bool {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global != nil
}
