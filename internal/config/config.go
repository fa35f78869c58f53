// Package config loads environment-based configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for tabdeck.
//
// Remote credentials live in the settings repository (they are written
// by the settings UI and excluded from sync); the TABDECK_REMOTE_*
// variables are optional overrides applied to the repository at startup
// so headless installs can be configured from the environment alone.
type Config struct {
	// DataDir is where the state and blob databases live.
	// Defaults to ~/.tabdeck.
	DataDir string `env:"TABDECK_DATA_DIR"`

	// Optional remote store overrides.
	RemoteURL      string `env:"TABDECK_REMOTE_URL"`
	RemoteUsername string `env:"TABDECK_REMOTE_USERNAME"`
	RemotePassword string `env:"TABDECK_REMOTE_PASSWORD"`

	// WallpaperFile is the local wallpaper image watched in daemon mode.
	WallpaperFile string `env:"TABDECK_WALLPAPER_FILE"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	// Resolve DataDir to an absolute path at startup so database paths
	// derived from it stay stable regardless of the working directory.
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	if cfg.WallpaperFile != "" {
		absFile, err := filepath.Abs(cfg.WallpaperFile)
		if err != nil {
			return nil, fmt.Errorf("resolving wallpaper file to absolute path: %w", err)
		}

		cfg.WallpaperFile = absFile
	}

	return cfg, nil
}

// HasRemoteOverride reports whether the environment configures the
// remote store.
func (c *Config) HasRemoteOverride() bool {
	return c.RemoteURL != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".tabdeck"), nil
}
