// Package config persists user-facing engine preferences across process
// restarts. Settings live as JSON at os.UserConfigDir()/jamsession/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds persistent engine preferences. It is distinct from the
// SessionStore's RoomSession: this is long-lived user preference, that is
// a single tab-local, TTL-bound resume record.
type Config struct {
	LastUsername   string  `json:"last_username"`
	DefaultRole    string  `json:"default_role"`
	ReconnectBaseS float64 `json:"reconnect_base_seconds"`
	ReconnectMaxS  float64 `json:"reconnect_max_seconds"`
}

// Default returns a Config populated with the engine's built-in defaults.
func Default() Config {
	return Config{
		DefaultRole:    "band_member",
		ReconnectBaseS: 1,
		ReconnectMaxS:  10,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "jamsession", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned -- never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
