package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultRelayURL is used when the config file carries no relay_url.
const DefaultRelayURL = "http://127.0.0.1:7420"

// Config represents the global ~/.anonchat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	RelayURL       string `toml:"relay_url"`
	UserID         string `toml:"user_id"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Reset truncates the config back to defaults, keeping the file in place.
func Reset(path string) error {
	return Save(path, &Config{})
}
