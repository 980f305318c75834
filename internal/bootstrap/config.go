package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"execcore/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs pre-flight checks
// that need the filesystem rather than just the YAML document.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation: the data
// directory (and its trades/ and snapshots/ subdirectories) must exist or be
// creatable before any component tries to open a file under it.
func checkPreFlight(cfg *Config) error {
	for _, sub := range []string{"", "trades", "snapshots"} {
		dir := filepath.Join(cfg.App.DataDir, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create data directory %s: %w", dir, err)
		}
	}

	if cfg.App.Mode == "live" && len(cfg.Recovery.CriticalSubsystems) == 0 {
		return fmt.Errorf("live mode requires at least one critical subsystem configured for health monitoring")
	}

	return nil
}
