package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	APIBaseURL     string `toml:"api_base_url"`
	StreamURL      string `toml:"stream_url"`
	ListenAddr     string `toml:"listen_addr"`
	PageSize       int    `toml:"page_size"`
}

// DefaultPageSize is the history page size used when page_size is unset.
const DefaultPageSize = 50

// DefaultListenAddr is the local control API address.
const DefaultListenAddr = "127.0.0.1:7611"

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		APIBaseURL: "https://api.chatsync.dev",
		StreamURL:  "wss://stream.chatsync.dev/v1/stream",
		ListenAddr: DefaultListenAddr,
		PageSize:   DefaultPageSize,
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
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
