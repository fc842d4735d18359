// Package config holds printerd's runtime configuration, loaded from
// flags with env-var fallback — the same shape as aegisd's
// internal/config.Config (plain struct, DefaultConfig + overrides, no
// config file parser).
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds printerd runtime configuration.
type Config struct {
	// DataDir is the base directory for printerd runtime data. EnsureDirs
	// creates it; no state is written here across restarts — persistence
	// is an explicit non-goal. ProfileDir is a separate directory, not
	// one under DataDir.
	DataDir string

	// SocketPath is the unix socket path the daemon's JSON-RPC endpoint
	// listens on.
	SocketPath string

	// ProfileDir is the directory reserved for device profiles. EnsureDirs
	// creates it; cmd/printerd does not read profiles from it and uses
	// its built-in catalog instead.
	ProfileDir string

	// PollInterval is the machine poll interval (default 5s). cmd/printerd
	// does not pass it to the machines it creates; each Machine uses its
	// own 5s default.
	PollInterval time.Duration

	// HistoryCapacity is the telemetry ring buffer size (default 200).
	// cmd/printerd does not pass it to the machines it creates; each
	// Machine uses its own 200-snapshot default.
	HistoryCapacity int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	printerdDir := filepath.Join(homeDir, ".printerd")

	return &Config{
		DataDir:         filepath.Join(printerdDir, "data"),
		SocketPath:      filepath.Join(printerdDir, "printerd.sock"),
		ProfileDir:      filepath.Join(printerdDir, "profiles"),
		PollInterval:    5 * time.Second,
		HistoryCapacity: 200,
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.SocketPath),
		c.ProfileDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Load builds a Config from DefaultConfig, then applies env-var
// overrides, then the given flag values (flags win over env, env wins
// over defaults). Call from cmd/printerd after flag.Parse().
func Load(socketPath, dataDir, profileDir string, pollInterval time.Duration) *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PRINTERD_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("PRINTERD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PRINTERD_PROFILE_DIR"); v != "" {
		cfg.ProfileDir = v
	}

	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if profileDir != "" {
		cfg.ProfileDir = profileDir
	}
	if pollInterval > 0 {
		cfg.PollInterval = pollInterval
	}

	return cfg
}
