package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for embersync.
type Config struct {
	// Client identity reported to every server.
	AppName    string `env:"APP_NAME" envDefault:"embersync"`
	AppVersion string `env:"APP_VERSION" envDefault:"dev"`

	// Device name this client identifies as. Defaults to system hostname.
	// The device id is generated once and persisted in the state database.
	DeviceName string `env:"DEVICE_NAME"`

	// Directory holding the state database and downloaded media blobs.
	// Defaults to ~/.embersync.
	DataDir string `env:"DATA_DIR"`

	// Interval between full sync pipeline runs.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"15m"`

	// Supported server version range. A server outside the range yields a
	// ServerUpdateNeeded connection result. MaxServerVersion empty means
	// no upper bound.
	MinServerVersion string `env:"MIN_SERVER_VERSION" envDefault:"4.0.0"`
	MaxServerVersion string `env:"MAX_SERVER_VERSION"`

	// RequireHTTPS skips plain-http candidate addresses during probing.
	RequireHTTPS bool `env:"REQUIRE_HTTPS" envDefault:"false"`

	// AutoLogin controls whether a validated cached token signs the
	// session in without user interaction.
	AutoLogin bool `env:"AUTO_LOGIN" envDefault:"true"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Capability descriptor reported to servers. Resolved once at startup
	// instead of feature-probed at call sites.
	SupportsSync         bool   `env:"SUPPORTS_SYNC" envDefault:"true"`
	SupportsMediaControl bool   `env:"SUPPORTS_MEDIA_CONTROL" envDefault:"false"`
	SupportedCommands    string `env:"SUPPORTED_COMMANDS"`
}

// Capabilities is the descriptor pushed to a server after sign-in.
type Capabilities struct {
	SupportsSync         bool     `json:"SupportsSync"`
	SupportsMediaControl bool     `json:"SupportsMediaControl"`
	SupportedCommands    []string `json:"SupportedCommands,omitempty"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "embersync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".embersync")
	}

	// Resolve DataDir to an absolute path at startup. The asset store uses
	// string prefix comparison to confine blob paths to the data directory,
	// which only works reliably with absolute paths.
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SyncInterval < time.Minute {
		return fmt.Errorf("SYNC_INTERVAL must be at least 1m, got %s", c.SyncInterval)
	}

	if c.MinServerVersion == "" {
		return fmt.Errorf("MIN_SERVER_VERSION must not be empty")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Capabilities builds the capability descriptor from the config.
func (c *Config) Capabilities() Capabilities {
	caps := Capabilities{
		SupportsSync:         c.SupportsSync,
		SupportsMediaControl: c.SupportsMediaControl,
	}

	for _, cmd := range strings.Split(c.SupportedCommands, ",") {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}

		caps.SupportedCommands = append(caps.SupportedCommands, cmd)
	}

	return caps
}
