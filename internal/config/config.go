// Package config persists the terminal client's settings between runs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the settings file kept next to the binary, like the desktop
// messengers this tool replaces.
const FileName = "config.json"

// Config holds the handful of settings worth remembering across sessions.
// Everything else (room, password) is per-session by design: a room you
// leave is a room you left.
type Config struct {
	// Nickname is the display name announced to the LAN.
	Nickname string `json:"nickname"`

	// Port is the UDP discovery port. Every client on the LAN must agree
	// on it to see each other.
	Port uint16 `json:"port"`
}

// Default is the configuration of a first run: no nickname yet, the
// conventional discovery port.
func Default() Config {
	return Config{Port: 50000}
}

// DefaultPath places the settings file next to the executable, falling back
// to the working directory when the binary's location cannot be determined.
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return FileName
	}
	return filepath.Join(filepath.Dir(exe), FileName)
}

// Load reads the settings at path. A missing file is a first run and yields
// defaults without error; a corrupted file yields defaults WITH the error so
// the caller can warn and carry on.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Port == 0 {
		cfg.Port = Default().Port
	}
	return cfg, nil
}

// Save writes the settings to path, creating parent directories as needed.
func (c Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create settings directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode settings: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
